// Package catalog holds the fixed list of ERA5 fields packaged into each
// GRIB file, with their archive level category and ECMWF parameter code.
package catalog

import "fmt"

// TableID is the ECMWF GRIB1 parameter table every field is tagged with.
const TableID = 128

// Level is the archive level category of a field.
type Level int

const (
	Single Level = iota
	Pressure
)

// String returns the archive directory prefix ("single" or "pressure").
func (l Level) String() string {
	switch l {
	case Single:
		return "single"
	case Pressure:
		return "pressure"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// FieldSpec describes one packaged field.
type FieldSpec struct {
	Name  string // catalog short name, also the archive directory name
	Level Level
	Code  int // GRIB1 parameter code in table 128

	// SourceName is the variable name inside the archive file when it
	// differs from Name. Empty means no rename is needed.
	SourceName string
}

// NeedsRename reports whether the extracted variable must be relabelled.
func (f FieldSpec) NeedsRename() bool {
	return f.SourceName != "" && f.SourceName != f.Name
}

// Order matters only for merge order; codes are read by the model's
// reconfiguration step.
var fields = []FieldSpec{
	{Name: "skt", Level: Single, Code: 235},
	{Name: "sp", Level: Single, Code: 134},
	{Name: "ci", Level: Single, Code: 31, SourceName: "siconc"},
	{Name: "sst", Level: Single, Code: 34},
	{Name: "sd", Level: Single, Code: 141},
	{Name: "stl1", Level: Single, Code: 139},
	{Name: "stl2", Level: Single, Code: 170},
	{Name: "stl3", Level: Single, Code: 183},
	{Name: "stl4", Level: Single, Code: 236},
	{Name: "swvl1", Level: Single, Code: 39},
	{Name: "swvl2", Level: Single, Code: 40},
	{Name: "swvl3", Level: Single, Code: 41},
	{Name: "swvl4", Level: Single, Code: 42},
	{Name: "u", Level: Pressure, Code: 131},
	{Name: "v", Level: Pressure, Code: 132},
	{Name: "t", Level: Pressure, Code: 130},
	{Name: "q", Level: Pressure, Code: 133},
	{Name: "lsm", Level: Single, Code: 172},
	{Name: "z", Level: Single, Code: 129},
}

// Fields returns the ordered field catalog. The slice is a copy.
func Fields() []FieldSpec {
	out := make([]FieldSpec, len(fields))
	copy(out, fields)
	return out
}

// Lookup returns the field with the given name.
func Lookup(name string) (FieldSpec, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
