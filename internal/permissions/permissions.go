package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"immunisation-batch-exchange/internal/storage"
)

const (
	defaultFetchTimeout = 5 * time.Second
	defaultCacheTTL     = 15 * time.Minute
)

type Operation string

const (
	OperationNew    Operation = "NEW"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

var grants = map[string][]Operation{
	"FULL":   {OperationNew, OperationUpdate, OperationDelete},
	"CREATE": {OperationNew},
	"UPDATE": {OperationUpdate},
	"DELETE": {OperationDelete},
}

// Set is the operations a supplier may perform for one vaccine type.
type Set map[Operation]struct{}

func (s Set) Allows(op Operation) bool {
	_, ok := s[op]
	return ok
}

func (s Set) String() string {
	ops := make([]string, 0, len(s))
	for op := range s {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	return strings.Join(ops, ",")
}

type ConfigSource interface {
	Stat(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

type document struct {
	AllPermissions map[string][]string `json:"all_permissions"`
}

type snapshot struct {
	lastModified time.Time
	suppliers    map[string][]string
}

// Resolver answers permission questions from the supplier permissions
// config object. The parsed object is cached alongside its last-modified
// time; each Resolve revalidates against the object so edits take effect
// at the next file.
type Resolver struct {
	source       ConfigSource
	bucket       string
	key          string
	logger       *slog.Logger
	cache        *ttlcache.Cache[string, snapshot]
	fetchTimeout time.Duration
	onReload     func()
}

type Option func(*Resolver)

func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.fetchTimeout = d }
}

func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) {
		r.cache = ttlcache.New[string, snapshot](ttlcache.WithTTL[string, snapshot](d))
	}
}

// OnReload is called every time the config object is fetched and parsed.
func OnReload(fn func()) Option {
	return func(r *Resolver) { r.onReload = fn }
}

func NewResolver(source ConfigSource, bucket, key string, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		source:       source,
		bucket:       bucket,
		key:          key,
		logger:       logger,
		cache:        ttlcache.New[string, snapshot](ttlcache.WithTTL[string, snapshot](defaultCacheTTL)),
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the operations supplier may perform on vaccineType. Any
// failure to read or parse the config yields an empty set.
func (r *Resolver) Resolve(ctx context.Context, supplier, vaccineType string) Set {
	snap, err := r.load(ctx)
	if err != nil {
		r.logger.Error("permission config unavailable", "error", err, "supplier", supplier, "vaccine_type", vaccineType)
		return Set{}
	}
	entries, ok := snap.suppliers[strings.ToUpper(strings.TrimSpace(supplier))]
	if !ok {
		r.logger.Warn("supplier has no permissions", "supplier", supplier)
		return Set{}
	}
	return allowed(entries, vaccineType)
}

func (r *Resolver) load(ctx context.Context) (snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	info, err := r.source.Stat(ctx, r.bucket, r.key)
	if err != nil {
		return snapshot{}, fmt.Errorf("stat permission config: %w", err)
	}
	if item := r.cache.Get(r.key); item != nil && item.Value().lastModified.Equal(info.LastModified) {
		return item.Value(), nil
	}

	body, err := r.source.Get(ctx, r.bucket, r.key)
	if err != nil {
		return snapshot{}, fmt.Errorf("read permission config: %w", err)
	}
	suppliers, err := parse(body)
	if err != nil {
		return snapshot{}, err
	}
	snap := snapshot{lastModified: info.LastModified, suppliers: suppliers}
	r.cache.Set(r.key, snap, ttlcache.DefaultTTL)
	if r.onReload != nil {
		r.onReload()
	}
	r.logger.Info("permission config loaded", "suppliers", len(suppliers), "last_modified", info.LastModified)
	return snap, nil
}

func parse(body []byte) (map[string][]string, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse permission config: %w", err)
	}
	if doc.AllPermissions == nil {
		return nil, fmt.Errorf("parse permission config: missing all_permissions")
	}
	suppliers := make(map[string][]string, len(doc.AllPermissions))
	for supplier, entries := range doc.AllPermissions {
		suppliers[strings.ToUpper(strings.TrimSpace(supplier))] = entries
	}
	return suppliers, nil
}

// allowed expands <VACCINE>_FULL and <VACCINE>_CREATE|UPDATE|DELETE
// entries for one vaccine type.
func allowed(entries []string, vaccineType string) Set {
	vaccineType = strings.ToUpper(strings.TrimSpace(vaccineType))
	set := Set{}
	for _, entry := range entries {
		entry = strings.ToUpper(strings.TrimSpace(entry))
		idx := strings.LastIndex(entry, "_")
		if idx <= 0 || entry[:idx] != vaccineType {
			continue
		}
		for _, op := range grants[entry[idx+1:]] {
			set[op] = struct{}{}
		}
	}
	return set
}
