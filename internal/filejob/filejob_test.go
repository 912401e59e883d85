package filejob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, time.FixedZone("BST", 3600))

	job, err := Parse("incoming/Flu_Vaccinations_v5_YGM41_20240610T09000000.csv", now)
	require.NoError(t, err)
	assert.NotEmpty(t, job.FileID)
	assert.Equal(t, "FLU", job.VaccineType)
	assert.Equal(t, "EMIS", job.Supplier)
	assert.Equal(t, "YGM41", job.ODSCode)
	assert.Equal(t, "5", job.Version)
	assert.Equal(t, "incoming/Flu_Vaccinations_v5_YGM41_20240610T09000000.csv", job.SourceKey)
	assert.Equal(t, "Flu_Vaccinations_v5_YGM41_20240610T09000000.csv", job.FileName)
	assert.Equal(t, time.UTC, job.CreatedAt.Location())

	assert.Equal(t, "ack/Flu_Vaccinations_v5_YGM41_20240610T09000000_response.csv", job.AckKey())
	assert.Equal(t, "archive/Flu_Vaccinations_v5_YGM41_20240610T09000000.csv", job.ArchiveKey())
	assert.Equal(t, job.FileID+"^3", job.MessageID(3))
}

func TestParseCaseInsensitive(t *testing.T) {
	job, err := Parse("rsv_VACCINATIONS_v5_x26_20240610T09000000.CSV", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "RSV", job.VaccineType)
	assert.Equal(t, "RAVS", job.Supplier)
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"wrong extension":      "FLU_Vaccinations_v5_YGM41_20240610T09000000.txt",
		"missing version":      "FLU_Vaccinations_YGM41_20240610T09000000.csv",
		"short timestamp":      "FLU_Vaccinations_v5_YGM41_20240610T0900.csv",
		"unknown vaccine type": "SHINGLES_Vaccinations_v5_YGM41_20240610T09000000.csv",
		"unknown ods code":     "FLU_Vaccinations_v5_NOPE1_20240610T09000000.csv",
		"not a batch file":     "permissions_config.json",
	}
	for name, key := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(key, time.Now())
			assert.ErrorIs(t, err, ErrInvalidFilename)
		})
	}
}

func TestParseNamesSupportedVaccineTypes(t *testing.T) {
	_, err := Parse("SHINGLES_Vaccinations_v5_YGM41_20240610T09000000.csv", time.Now())
	assert.EqualError(t, err,
		`invalid batch filename: unsupported vaccine type "SHINGLES", want one of COVID19, FLU, HPV, MMR, RSV`)
}
