package record

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Columns is the fixed header of a vaccination batch file, in file order.
var Columns = []string{
	"NHS_NUMBER",
	"PERSON_FORENAME",
	"PERSON_SURNAME",
	"PERSON_DOB",
	"PERSON_GENDER_CODE",
	"PERSON_POSTCODE",
	"DATE_AND_TIME",
	"SITE_CODE",
	"SITE_CODE_TYPE_URI",
	"UNIQUE_ID",
	"UNIQUE_ID_URI",
	"ACTION_FLAG",
	"PERFORMING_PROFESSIONAL_FORENAME",
	"PERFORMING_PROFESSIONAL_SURNAME",
	"RECORDED_DATE",
	"PRIMARY_SOURCE",
	"VACCINATION_PROCEDURE_CODE",
	"VACCINATION_PROCEDURE_TERM",
	"DOSE_SEQUENCE",
	"VACCINE_PRODUCT_CODE",
	"VACCINE_PRODUCT_TERM",
	"VACCINE_MANUFACTURER",
	"BATCH_NUMBER",
	"EXPIRY_DATE",
	"SITE_OF_VACCINATION_CODE",
	"SITE_OF_VACCINATION_TERM",
	"ROUTE_OF_VACCINATION_CODE",
	"ROUTE_OF_VACCINATION_TERM",
	"DOSE_AMOUNT",
	"DOSE_UNIT_CODE",
	"DOSE_UNIT_TERM",
	"INDICATION_CODE",
	"LOCATION_CODE",
	"LOCATION_CODE_TYPE_URI",
}

const delimiter = '|'

var (
	ErrInvalidHeader = errors.New("invalid file header")
	ErrColumnCount   = errors.New("unexpected column count")
)

// Record is one row of a batch file. Row is the 1-based data row number
// (the header is not counted).
type Record struct {
	Row int

	NHSNumber        string
	PersonForename   string
	PersonSurname    string
	PersonDOB        string
	PersonGenderCode string
	PersonPostcode   string
	DateAndTime      string
	SiteCode         string
	SiteCodeTypeURI  string
	UniqueID         string
	UniqueIDURI      string
	ActionFlag       string

	PerformingProfessionalForename string
	PerformingProfessionalSurname  string

	RecordedDate             string
	PrimarySource            string
	VaccinationProcedureCode string
	VaccinationProcedureTerm string
	DoseSequence             string
	VaccineProductCode       string
	VaccineProductTerm       string
	VaccineManufacturer      string
	BatchNumber              string
	ExpiryDate               string
	SiteOfVaccinationCode    string
	SiteOfVaccinationTerm    string
	RouteOfVaccinationCode   string
	RouteOfVaccinationTerm   string
	DoseAmount               string
	DoseUnitCode             string
	DoseUnitTerm             string
	IndicationCode           string
	LocationCode             string
	LocationCodeTypeURI      string
}

// HasIdentifier reports whether the stable external identifier pair is present.
func (r Record) HasIdentifier() bool {
	return r.UniqueID != "" && r.UniqueIDURI != ""
}

// LocalID is the identifier echoed back in acknowledgment reports.
func (r Record) LocalID() string {
	return r.UniqueID + "^" + r.UniqueIDURI
}

func fromFields(row int, f []string) Record {
	return Record{
		Row:                            row,
		NHSNumber:                      f[0],
		PersonForename:                 f[1],
		PersonSurname:                  f[2],
		PersonDOB:                      f[3],
		PersonGenderCode:               f[4],
		PersonPostcode:                 f[5],
		DateAndTime:                    f[6],
		SiteCode:                       f[7],
		SiteCodeTypeURI:                f[8],
		UniqueID:                       f[9],
		UniqueIDURI:                    f[10],
		ActionFlag:                     f[11],
		PerformingProfessionalForename: f[12],
		PerformingProfessionalSurname:  f[13],
		RecordedDate:                   f[14],
		PrimarySource:                  f[15],
		VaccinationProcedureCode:       f[16],
		VaccinationProcedureTerm:       f[17],
		DoseSequence:                   f[18],
		VaccineProductCode:             f[19],
		VaccineProductTerm:             f[20],
		VaccineManufacturer:            f[21],
		BatchNumber:                    f[22],
		ExpiryDate:                     f[23],
		SiteOfVaccinationCode:          f[24],
		SiteOfVaccinationTerm:          f[25],
		RouteOfVaccinationCode:         f[26],
		RouteOfVaccinationTerm:         f[27],
		DoseAmount:                     f[28],
		DoseUnitCode:                   f[29],
		DoseUnitTerm:                   f[30],
		IndicationCode:                 f[31],
		LocationCode:                   f[32],
		LocationCodeTypeURI:            f[33],
	}
}

// RowError is returned by Reader.Next for a row that was read but could not
// be mapped onto a Record. The row still counts towards the file.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Reader reads Records from a pipe-delimited batch file.
type Reader struct {
	csv *csv.Reader
	row int
}

// NewReader consumes and validates the header line.
func NewReader(src io.Reader) (*Reader, error) {
	r := csv.NewReader(src)
	r.Comma = delimiter
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalidHeader)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}
	return &Reader{csv: r}, nil
}

func validateHeader(header []string) error {
	if len(header) != len(Columns) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrInvalidHeader, len(header), len(Columns))
	}
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if !strings.EqualFold(strings.TrimSpace(name), Columns[i]) {
			return fmt.Errorf("%w: column %d is %q, want %s", ErrInvalidHeader, i+1, name, Columns[i])
		}
	}
	return nil
}

// Next returns the next Record, io.EOF after the last one, or a *RowError
// for a row with the wrong number of columns. Blank lines are skipped.
func (r *Reader) Next() (Record, error) {
	fields, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			r.row++
			return Record{Row: r.row}, &RowError{Row: r.row, Err: err}
		}
		return Record{}, err
	}
	r.row++
	if len(fields) != len(Columns) {
		return Record{Row: r.row}, &RowError{Row: r.row, Err: fmt.Errorf("%w: got %d, want %d", ErrColumnCount, len(fields), len(Columns))}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fromFields(r.row, fields), nil
}
