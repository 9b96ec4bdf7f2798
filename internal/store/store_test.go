package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSaveJSON_FilenameAndUnescapedUTF8(t *testing.T) {
	root := t.TempDir()
	s := New(root, fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	f, err := s.SaveJSON(Lines, "linhas", map[string]string{"a": "café"})
	if err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	wantPath := filepath.Join(root, "raw", "linhas", "linhas_20240101_000000.json")
	if f.Path != wantPath {
		t.Errorf("Path = %q, want %q", f.Path, wantPath)
	}

	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"a":"café"}` {
		t.Errorf("content = %q, want %q", got, `{"a":"café"}`)
	}
	if f.Bytes != len(data) {
		t.Errorf("Bytes = %d, want %d", f.Bytes, len(data))
	}
}

func TestSaveJSON_TimestampIsUTC(t *testing.T) {
	sp, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	s := New(t.TempDir(), fixedClock(time.Date(2024, 1, 1, 21, 30, 5, 0, sp)))

	f, err := s.SaveJSON(Stops, "paradas", []int{})
	if err != nil {
		t.Fatal(err)
	}
	if base := filepath.Base(f.Path); base != "paradas_20240102_003005.json" {
		t.Errorf("file = %q", base)
	}
}

func TestSaveJSON_RoundTrip(t *testing.T) {
	s := New(t.TempDir(), nil)
	in := map[string]any{
		"hr": "19:57",
		"l": []any{
			map[string]any{"c": "5015-10", "lt0": "METRÔ JABAQUARA", "lt1": "JD. SÃO JORGE", "qv": float64(1)},
		},
		"html": "<a&b>",
	}

	f, err := s.SaveJSON(PositionsGlobal, "posicao", in)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in = %#v\nout = %#v", in, out)
	}
}

func TestSave_DistinctSecondsNeverCollide(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(t.TempDir(), func() time.Time { return now })

	a, err := s.SaveJSON(Lines, "linhas", []int{1})
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Second)
	b, err := s.SaveJSON(Lines, "linhas", []int{2})
	if err != nil {
		t.Fatal(err)
	}
	if a.Path == b.Path {
		t.Fatalf("both saves went to %q", a.Path)
	}
	if filepath.Base(b.Path) != "linhas_20240501_120001.json" {
		t.Errorf("second file = %q", filepath.Base(b.Path))
	}
}

func TestSave_SameSecondGetsCounter(t *testing.T) {
	root := t.TempDir()
	s := New(root, fixedClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))

	var names []string
	for i := 0; i < 3; i++ {
		f, err := s.SaveBinary(KMZ, "kmz", "kmz", []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, filepath.Base(f.Path))
	}

	want := []string{"kmz_20240501_120000.kmz", "kmz_20240501_120000_1.kmz", "kmz_20240501_120000_2.kmz"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}

	first, err := os.ReadFile(filepath.Join(root, "raw", "kmz", want[0]))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0] != 0 {
		t.Errorf("first file was overwritten: %v", first)
	}
}

func TestSaveBinary_Verbatim(t *testing.T) {
	s := New(t.TempDir(), nil)
	payload := []byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0xff}

	f, err := s.SaveBinary(KMZ, "kmz_Corredor_BC", "kmz", payload)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Errorf("content = %v, want %v", got, payload)
	}
}

func TestSaveRaw_KeepsBodyAsServed(t *testing.T) {
	s := New(t.TempDir(), fixedClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	body := []byte("{\"hr\":\"19:57\",  \"l\":[], \"extra\":\"S\u00e3o <Paulo>\"}\n")

	f, err := s.SaveRaw(PositionsGlobal, "posicao", body)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(f.Path) != "posicao_20240501_100000.json" || f.Bytes != len(body) {
		t.Errorf("saved %+v", f)
	}
	got, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Errorf("content = %q, want %q", got, body)
	}
}

func TestScaffold(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Dados")
	s := New(root, nil)
	if err := s.Scaffold(); err != nil {
		t.Fatal(err)
	}
	for _, c := range Layout {
		fi, err := os.Stat(s.Dir(c))
		if err != nil {
			t.Errorf("%s: %v", c, err)
			continue
		}
		if !fi.IsDir() {
			t.Errorf("%s is not a directory", c)
		}
	}
}

func TestSave_PersistenceError(t *testing.T) {
	root := t.TempDir()
	// a regular file where the category directory should be
	if err := os.WriteFile(filepath.Join(root, "raw"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(root, nil)

	_, err := s.SaveJSON(Lines, "linhas", []int{})
	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("SaveJSON() = %v, want *PersistenceError", err)
	}
}

func TestSaveJSON_UnencodableValue(t *testing.T) {
	s := New(t.TempDir(), nil)
	_, err := s.SaveJSON(Lines, "linhas", map[string]any{"ch": make(chan int)})
	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("SaveJSON() = %v, want *PersistenceError", err)
	}
}
