package filejob

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"immunisation-batch-exchange/internal/fhirconv"
)

var ErrInvalidFilename = errors.New("invalid batch filename")

// VACCINETYPE_Vaccinations_vN_ODSCODE_YYYYMMDDTHHMMSSxx.csv
var filenamePattern = regexp.MustCompile(`(?i)^([A-Z0-9]+)_vaccinations_v(\d+)_([A-Z0-9]+)_(\d{8}T\d{8})\.csv$`)

var odsSuppliers = map[string]string{
	"YGM41":      "EMIS",
	"8J1100001":  "PINNACLE",
	"8HK48":      "SONAR",
	"YGA":        "TPP",
	"0DE":        "AGEM-NIVS",
	"0DF":        "NIMS",
	"8HA94":      "EVA",
	"X26":        "RAVS",
	"YGMYH":      "MEDICAL_DIRECTOR",
	"W00":        "WELSH_DA_1",
	"W000":       "WELSH_DA_2",
	"ZT001":      "NORTHERN_IRELAND_DA",
	"YA7":        "SCOTLAND_DA",
	"N2N9I":      "COVID19_VACCINE_RESOLUTION_SERVICEDESK",
	"YGJ":        "EMIS",
	"DPSREDUCED": "DPSREDUCED",
	"DPSFULL":    "DPSFULL",
}

// Supplier maps an ODS code onto the supplier system that owns it.
func Supplier(odsCode string) (string, bool) {
	s, ok := odsSuppliers[strings.ToUpper(odsCode)]
	return s, ok
}

type FileJob struct {
	FileID      string    `json:"file_id"`
	VaccineType string    `json:"vaccine_type"`
	Supplier    string    `json:"supplier"`
	ODSCode     string    `json:"ods_code"`
	Version     string    `json:"version"`
	SourceKey   string    `json:"source_key"`
	FileName    string    `json:"file_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// BaseName is the file name without its extension.
func (j FileJob) BaseName() string {
	return strings.TrimSuffix(j.FileName, path.Ext(j.FileName))
}

// AckKey is the object key of the acknowledgment report for the file.
func (j FileJob) AckKey() string {
	return "ack/" + j.BaseName() + "_response.csv"
}

// ArchiveKey is where the source object is moved once processed.
func (j FileJob) ArchiveKey() string {
	return "archive/" + j.BaseName() + ".csv"
}

// MessageID identifies one row of the file across dispatch and ack.
func (j FileJob) MessageID(row int) string {
	return fmt.Sprintf("%s^%d", j.FileID, row)
}

// Parse validates the object key's file name and derives the job for it.
func Parse(sourceKey string, now time.Time) (FileJob, error) {
	name := path.Base(sourceKey)
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return FileJob{}, fmt.Errorf("%w: %q does not match VACCINETYPE_Vaccinations_vN_ODSCODE_TIMESTAMP.csv", ErrInvalidFilename, name)
	}
	vaccineType := strings.ToUpper(m[1])
	if _, ok := fhirconv.Diseases(vaccineType); !ok {
		return FileJob{}, fmt.Errorf("%w: unsupported vaccine type %q, want one of %s",
			ErrInvalidFilename, m[1], strings.Join(fhirconv.VaccineTypes(), ", "))
	}
	odsCode := strings.ToUpper(m[3])
	supplier, ok := Supplier(odsCode)
	if !ok {
		return FileJob{}, fmt.Errorf("%w: unknown ODS code %q", ErrInvalidFilename, m[3])
	}
	return FileJob{
		FileID:      uuid.NewString(),
		VaccineType: vaccineType,
		Supplier:    supplier,
		ODSCode:     odsCode,
		Version:     m[2],
		SourceKey:   sourceKey,
		FileName:    name,
		CreatedAt:   now.UTC(),
	}, nil
}
