package httpapi

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"immunisation-batch-exchange/internal/ack"
	"immunisation-batch-exchange/internal/filejob"
	"immunisation-batch-exchange/internal/metrics"
	"immunisation-batch-exchange/internal/storage"
)

const (
	maxBodyBytes   int64 = 64 << 10
	minIdempotency int   = 8
	minCorrelation int   = 8
	storageTimeout       = 5 * time.Second
	dbTimeout            = 5 * time.Second

	routeSubmitFile = "/v1/files"
	routeFileStatus = "/v1/files/{fileID}"
)

type ObjectStater interface {
	Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
}

type StatusReader interface {
	Status(ctx context.Context, fileID string) (ack.FileStatus, error)
}

type Handler struct {
	logger        *slog.Logger
	objects       ObjectStater
	sourceBucket  string
	fileJobsTopic string
	statuses      StatusReader
	db            *sql.DB
	now           func() time.Time
}

func New(logger *slog.Logger, objects ObjectStater, sourceBucket, fileJobsTopic string, statuses StatusReader, db *sql.DB) *Handler {
	return &Handler{
		logger:        logger,
		objects:       objects,
		sourceBucket:  sourceBucket,
		fileJobsTopic: fileJobsTopic,
		statuses:      statuses,
		db:            db,
		now:           time.Now,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// SubmitFile announces a batch file already uploaded to the source bucket.
// The file job is written to file_jobs and, in the same transaction, to
// the outbox for the file-jobs topic.
func (h *Handler) SubmitFile(w http.ResponseWriter, r *http.Request) {
	status := h.submitFile(w, r)
	metrics.SubmitRequests.WithLabelValues(routeSubmitFile, strconv.Itoa(status)).Inc()
}

func (h *Handler) submitFile(w http.ResponseWriter, r *http.Request) int {
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if len(idempotencyKey) < minIdempotency {
		return h.respondError(w, http.StatusBadRequest, "missing or invalid Idempotency-Key")
	}

	correlationID := r.Header.Get("X-Correlation-Id")
	if len(correlationID) < minCorrelation {
		correlationID = uuid.NewString()
	}

	bodyReader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer bodyReader.Close()
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		return h.respondError(w, http.StatusBadRequest, "invalid body")
	}

	sha := sha256.Sum256(body)
	shaHex := hex.EncodeToString(sha[:])

	idempotentResponse, conflict, err := h.checkIdempotency(r.Context(), idempotencyKey, shaHex)
	if err != nil {
		h.logger.Error("failed to check idempotency", "error", err)
		return h.respondError(w, http.StatusInternalServerError, "failed to process request")
	}
	if conflict {
		return h.respondError(w, http.StatusConflict, "idempotency conflict")
	}
	if idempotentResponse != nil {
		return writeJSONBytes(w, http.StatusAccepted, idempotentResponse)
	}

	var req SubmitFileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return h.respondError(w, http.StatusBadRequest, "invalid payload")
	}
	if req.SourceKey == "" {
		return h.respondError(w, http.StatusBadRequest, "missing source_key")
	}
	job, err := filejob.Parse(req.SourceKey, h.now())
	if err != nil {
		return h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	}

	if err := h.statSource(r.Context(), job.SourceKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.respondError(w, http.StatusUnprocessableEntity, "source object not found")
		}
		h.logger.Error("failed to stat source object", "error", err, "source_key", job.SourceKey, "correlation_id", correlationID)
		return h.respondError(w, http.StatusInternalServerError, "failed to read source object")
	}

	if err := h.enqueueJob(r.Context(), job); err != nil {
		h.logger.Error("failed to enqueue file job", "error", err, "file_id", job.FileID, "correlation_id", correlationID)
		return h.respondError(w, http.StatusInternalServerError, "failed to enqueue file")
	}

	h.logger.Info("file submitted",
		"file_id", job.FileID,
		"file_name", job.FileName,
		"supplier", job.Supplier,
		"vaccine_type", job.VaccineType,
		"correlation_id", correlationID,
	)

	responseBytes, err := json.Marshal(SubmitFileAccepted{FileID: job.FileID, CorrelationID: correlationID})
	if err != nil {
		return h.respondError(w, http.StatusInternalServerError, "failed to build response")
	}
	if err := h.storeIdempotency(r.Context(), idempotencyKey, shaHex, responseBytes); err != nil {
		h.logger.Error("failed to store idempotency", "error", err, "file_id", job.FileID, "correlation_id", correlationID)
		return h.respondError(w, http.StatusInternalServerError, "failed to persist idempotency")
	}
	return writeJSONBytes(w, http.StatusAccepted, responseBytes)
}

// FileStatus reports how far a submitted file got.
func (h *Handler) FileStatus(w http.ResponseWriter, r *http.Request) {
	status := h.fileStatus(w, r)
	metrics.SubmitRequests.WithLabelValues(routeFileStatus, strconv.Itoa(status)).Inc()
}

func (h *Handler) fileStatus(w http.ResponseWriter, r *http.Request) int {
	fileID := chi.URLParam(r, "fileID")
	if _, err := uuid.Parse(fileID); err != nil {
		return h.respondError(w, http.StatusBadRequest, "invalid file id")
	}
	status, err := h.statuses.Status(r.Context(), fileID)
	if errors.Is(err, ack.ErrUnknownFile) {
		return h.respondError(w, http.StatusNotFound, "file not found")
	}
	if err != nil {
		h.logger.Error("failed to load file status", "error", err, "file_id", fileID)
		return h.respondError(w, http.StatusInternalServerError, "failed to load file status")
	}
	return writeJSON(w, http.StatusOK, newFileStatusResponse(status))
}

func (h *Handler) statSource(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	_, err := h.objects.Stat(ctx, h.sourceBucket, key)
	return err
}

func (h *Handler) enqueueJob(ctx context.Context, job filejob.FileJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_jobs (file_id, source_key, file_name, supplier, vaccine_type, ods_code, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.FileID,
		job.SourceKey,
		job.FileName,
		job.Supplier,
		job.VaccineType,
		job.ODSCode,
		job.Version,
		job.CreatedAt,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (topic, key, payload, created_at)
		 VALUES ($1, $2, $3, $4)`,
		h.fileJobsTopic,
		job.Supplier,
		payload,
		job.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) int {
	payload, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	return writeJSONBytes(w, status, payload)
}

func writeJSONBytes(w http.ResponseWriter, status int, payload []byte) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	return status
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) int {
	response := map[string]string{"error": message}
	return writeJSON(w, status, response)
}

func (h *Handler) checkIdempotency(ctx context.Context, key, requestSHA string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var storedSHA string
	var response []byte
	err := h.db.QueryRowContext(ctx,
		"SELECT request_sha256, response FROM idempotency_keys WHERE key=$1",
		key,
	).Scan(&storedSHA, &response)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if storedSHA != requestSHA {
		return nil, true, nil
	}
	return response, false, nil
}

func (h *Handler) storeIdempotency(ctx context.Context, key, requestSHA string, response []byte) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, request_sha256, response)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		key,
		requestSHA,
		string(response),
	)
	return err
}
