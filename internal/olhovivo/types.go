package olhovivo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Payload is a decoded response together with its body as served.
type Payload[T any] struct {
	Body  json.RawMessage
	Value T
	// Mismatch is set when Body is valid JSON that does not fully fit T.
	// Value then holds whatever did decode.
	Mismatch *DecodeError
}

// Code identifies a line, corridor, company or stop. It is served as a
// number but numeric strings are accepted too.
type Code int

func (c *Code) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(bytes.Trim(b, `"`))
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid code %s", b)
	}
	*c = Code(n)
	return nil
}

func (c Code) String() string { return strconv.Itoa(int(c)) }

// Line is an entry of /Linha/Buscar.
type Line struct {
	Code              Code   `json:"cl"`
	Circular          bool   `json:"lc"`
	SignPrefix        string `json:"lt"`
	Direction         int    `json:"sl"` // 1: main -> secondary terminal, 2: the way back
	SignSuffix        int    `json:"tl"`
	MainTerminal      string `json:"tp"`
	SecondaryTerminal string `json:"ts"`
}

// Sign returns the public line sign, e.g. "8000-10".
func (l Line) Sign() string {
	return l.SignPrefix + "-" + strconv.Itoa(l.SignSuffix)
}

type Corridor struct {
	Code Code   `json:"cc"`
	Name string `json:"nc"`
}

// CompanyListing is the /Empresa response: companies grouped by operating area.
type CompanyListing struct {
	Hour  string          `json:"hr"`
	Areas []OperatingArea `json:"e"`
}

type OperatingArea struct {
	Area      int       `json:"a"`
	Companies []Company `json:"e"`
}

type Company struct {
	Area int    `json:"a"`
	Code Code   `json:"c"`
	Name string `json:"n"`
}

// Codes flattens the listing into company codes, in response order.
func (cl CompanyListing) Codes() []Code {
	var codes []Code
	for _, a := range cl.Areas {
		for _, c := range a.Companies {
			codes = append(codes, c.Code)
		}
	}
	return codes
}

type Stop struct {
	Code    Code    `json:"cp"`
	Name    string  `json:"np"`
	Address string  `json:"ed"`
	Lat     float64 `json:"py"`
	Lon     float64 `json:"px"`
}

// Vehicle is one located bus. The prefix is served either as a number or a
// numeric string depending on the endpoint.
type Vehicle struct {
	Prefix     json.Number `json:"p"`
	Accessible bool        `json:"a"`
	ReportedAt string      `json:"ta"` // UTC, ISO 8601
	Lat        float64     `json:"py"`
	Lon        float64     `json:"px"`
}

type LinePositions struct {
	Sign         string    `json:"c"`
	Code         Code      `json:"cl"`
	Direction    int       `json:"sl"`
	Origin       string    `json:"lt0"`
	Destination  string    `json:"lt1"`
	VehicleCount int       `json:"qv"`
	Vehicles     []Vehicle `json:"vs"`
}

// Positions is the shape of both /Posicao and /Posicao/Garagem.
type Positions struct {
	Hour  string          `json:"hr"`
	Lines []LinePositions `json:"l"`
}

// VehicleCount sums vehicles over all lines of the snapshot.
func (p Positions) VehicleCount() int {
	n := 0
	for _, l := range p.Lines {
		n += len(l.Vehicles)
	}
	return n
}

// LineVehicles is the /Posicao/Linha response.
type LineVehicles struct {
	Hour     string    `json:"hr"`
	Vehicles []Vehicle `json:"vs"`
}
