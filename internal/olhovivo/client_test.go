package olhovivo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "secret", 5*time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		ok     bool
	}{
		{"true", http.StatusOK, "true", true},
		{"quoted json true is not bare", http.StatusOK, `"true"`, false},
		{"case and whitespace", http.StatusOK, "True ", true},
		{"padded upper", http.StatusOK, "\n TRUE\t", true},
		{"false", http.StatusOK, "false", false},
		{"unauthorized", http.StatusUnauthorized, "true", false},
		{"server error", http.StatusInternalServerError, "oops", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/Login/Autenticar" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if got := r.URL.Query().Get("token"); got != "secret" {
					t.Errorf("token = %q, want %q", got, "secret")
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))

			err := c.Authenticate(context.Background())
			if tc.ok && err != nil {
				t.Fatalf("Authenticate() = %v, want nil", err)
			}
			if !tc.ok {
				var authErr *AuthError
				if !errors.As(err, &authErr) {
					t.Fatalf("Authenticate() = %v, want *AuthError", err)
				}
				if authErr.StatusCode != tc.status {
					t.Errorf("StatusCode = %d, want %d", authErr.StatusCode, tc.status)
				}
			}
			if c.Authenticated() != tc.ok {
				t.Errorf("Authenticated() = %v, want %v", c.Authenticated(), tc.ok)
			}
		})
	}
}

func TestAuthenticate_MissingTokenMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Authenticate(context.Background())
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Authenticate() = %v, want ErrMissingToken", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("missing token should still be an *AuthError, got %T", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("server got %d requests, want 0", n)
	}
}

func TestAuthenticate_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, "secret", time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = c.Authenticate(context.Background())
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Authenticate() = %v, want wrapped *TransportError", err)
	}
}

func TestSessionKeepsCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Login/Autenticar", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "apiCredentials", Value: "abc", Path: "/"})
		w.Write([]byte("true"))
	})
	mux.HandleFunc("/Corredor", func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("apiCredentials"); err != nil || ck.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"Message":"Authorization has been denied for this request."}`))
			return
		}
		w.Write([]byte(`[{"cc":8,"nc":"Campo Limpo"}]`))
	})
	c := newTestClient(t, mux)

	if _, err := c.Corridors(context.Background()); err == nil {
		t.Fatal("Corridors before login should fail")
	}
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	got, err := c.Corridors(context.Background())
	if err != nil {
		t.Fatalf("Corridors: %v", err)
	}
	if len(got.Value) != 1 || got.Value[0].Code != 8 || got.Value[0].Name != "Campo Limpo" {
		t.Errorf("Corridors() = %+v", got.Value)
	}
	if string(got.Body) != `[{"cc":8,"nc":"Campo Limpo"}]` {
		t.Errorf("Body = %s", got.Body)
	}
}

func TestGet_RemoteErrorTruncatesBody(t *testing.T) {
	long := strings.Repeat("x", 500)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(long))
	}))

	_, err := c.Positions(context.Background())
	var rErr *RemoteError
	if !errors.As(err, &rErr) {
		t.Fatalf("Positions() = %v, want *RemoteError", err)
	}
	if rErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", rErr.StatusCode)
	}
	if len(rErr.Body) != bodyExcerptLen {
		t.Errorf("len(Body) = %d, want %d", len(rErr.Body), bodyExcerptLen)
	}
	if rErr.Op != "positions" {
		t.Errorf("Op = %q, want %q", rErr.Op, "positions")
	}
}

func TestGet_UnauthorizedInvalidatesSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Login/Autenticar", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("true")) })
	mux.HandleFunc("/Empresa", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	c := newTestClient(t, mux)

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Companies(context.Background()); err == nil {
		t.Fatal("Companies() should fail on 401")
	}
	if c.Authenticated() {
		t.Error("session should be invalid after a 401")
	}
}

func TestGet_DecodeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))

	_, err := c.Lines(context.Background(), "")
	var dErr *DecodeError
	if !errors.As(err, &dErr) {
		t.Fatalf("Lines() = %v, want *DecodeError", err)
	}
	if dErr.Body != "<html>maintenance</html>" {
		t.Errorf("Body = %q", dErr.Body)
	}
}

func TestGet_ShapeMismatchKeepsBody(t *testing.T) {
	body := `{"hr":"19:57","l":[{"c":"8000-10","cl":1,"sl":"um","vs":[{"p":11433,"sv":null,"is":null}]}]}`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))

	got, err := c.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions() = %v, want nil", err)
	}
	if string(got.Body) != body {
		t.Errorf("Body = %s", got.Body)
	}
	if got.Mismatch == nil || got.Mismatch.Op != "positions" {
		t.Fatalf("Mismatch = %v", got.Mismatch)
	}
	// fields around the bad one still decode
	if got.Value.VehicleCount() != 1 || got.Value.Lines[0].Code != 1 {
		t.Errorf("Value = %+v", got.Value)
	}
}

func TestCode_NumberOrString(t *testing.T) {
	var lines []Line
	if err := json.Unmarshal([]byte(`[{"cl":1},{"cl":"2"},{"cl":null}]`), &lines); err != nil {
		t.Fatal(err)
	}
	if lines[0].Code != 1 || lines[1].Code != 2 || lines[2].Code != 0 {
		t.Errorf("codes = %v %v %v", lines[0].Code, lines[1].Code, lines[2].Code)
	}
	var bad Line
	if err := json.Unmarshal([]byte(`{"cl":"x1"}`), &bad); err == nil {
		t.Error("non-numeric code should fail")
	}
}

func TestFetchers_QueryParameters(t *testing.T) {
	tests := []struct {
		name  string
		call  func(c *Client) error
		path  string
		query string
	}{
		{"lines", func(c *Client) error { _, err := c.Lines(context.Background(), ""); return err }, "/Linha/Buscar", "termosBusca="},
		{"stops by line", func(c *Client) error { _, err := c.StopsByLine(context.Background(), 1273); return err }, "/Parada/BuscarParadasPorLinha", "codigoLinha=1273"},
		{"stops by corridor", func(c *Client) error { _, err := c.StopsByCorridor(context.Background(), 8); return err }, "/Parada/BuscarParadasPorCorredor", "codigoCorredor=8"},
		{"positions by line", func(c *Client) error { _, err := c.PositionsByLine(context.Background(), 33887); return err }, "/Posicao/Linha", "codigoLinha=33887"},
		{"positions by garage", func(c *Client) error { _, err := c.PositionsByGarage(context.Background(), 999); return err }, "/Posicao/Garagem", "codigoEmpresa=999"},
		{"kmz base", func(c *Client) error { _, err := c.KMZ(context.Background(), ""); return err }, "/KMZ", ""},
		{"kmz nested", func(c *Client) error { _, err := c.KMZ(context.Background(), "Corredor/BC"); return err }, "/KMZ/Corredor/BC", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tc.path {
					t.Errorf("path = %q, want %q", r.URL.Path, tc.path)
				}
				if r.URL.RawQuery != tc.query {
					t.Errorf("query = %q, want %q", r.URL.RawQuery, tc.query)
				}
				w.Write([]byte("{}"))
			}))
			// "{}" is not a list, so list endpoints report a mismatch; only
			// the request shape matters here.
			if err := tc.call(c); err != nil {
				t.Errorf("call: %v", err)
			}
		})
	}
}

func TestCompanies_Codes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hr":"11:20","e":[{"a":1,"e":[{"a":1,"c":999,"n":"NOME"},{"a":1,"c":27,"n":"OUTRA"}]},{"a":2,"e":[{"a":2,"c":42,"n":"VIAÇÃO"}]}]}`))
	}))

	got, err := c.Companies(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	codes := got.Value.Codes()
	want := []Code{999, 27, 42}
	if len(codes) != len(want) {
		t.Fatalf("Codes() = %v, want %v", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("Codes()[%d] = %d, want %d", i, codes[i], want[i])
		}
	}
	if got.Value.Areas[1].Companies[0].Name != "VIAÇÃO" {
		t.Errorf("name = %q", got.Value.Areas[1].Companies[0].Name)
	}
}

func TestPositions_VehiclePrefixNumberOrString(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hr":"19:57","l":[{"c":"5015-10","cl":33887,"sl":2,"lt0":"METRÔ JABAQUARA","lt1":"JD. SÃO JORGE","qv":2,"vs":[{"p":68021,"a":true,"ta":"2017-05-12T22:57:02Z","py":-23.678,"px":-46.657},{"p":"68022","a":false,"ta":"2017-05-12T22:57:05Z","py":-23.6,"px":-46.6}]}]}`))
	}))

	got, err := c.Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Value.VehicleCount() != 2 {
		t.Fatalf("VehicleCount() = %d, want 2", got.Value.VehicleCount())
	}
	if p := got.Value.Lines[0].Vehicles[1].Prefix.String(); p != "68022" {
		t.Errorf("prefix = %q", p)
	}
}

type countingObserver struct {
	ops      []string
	statuses []int
}

func (o *countingObserver) ObserveRequest(op string, status int, _ time.Duration, _ error) {
	o.ops = append(o.ops, op)
	o.statuses = append(o.statuses, status)
}

func TestObserverSeesEveryRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/Corredor" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("true"))
	}))
	defer srv.Close()

	obs := &countingObserver{}
	c, err := NewClient(srv.URL, "secret", time.Second, obs)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Authenticate(context.Background())
	_, _ = c.Corridors(context.Background())

	if len(obs.ops) != 2 || obs.ops[0] != "authenticate" || obs.ops[1] != "corridors" {
		t.Fatalf("ops = %v", obs.ops)
	}
	if obs.statuses[1] != http.StatusServiceUnavailable {
		t.Errorf("status = %d", obs.statuses[1])
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("a", bodyExcerptLen-1) + "ção"
	got := excerpt([]byte(s))
	if len(got) != bodyExcerptLen-1 {
		t.Errorf("len = %d, want %d", len(got), bodyExcerptLen-1)
	}
	if strings.ContainsRune(got, '�') {
		t.Error("excerpt split a rune")
	}
}

func TestLineSign(t *testing.T) {
	l := Line{SignPrefix: "8000", SignSuffix: 10}
	if l.Sign() != "8000-10" {
		t.Errorf("Sign() = %q", l.Sign())
	}
}
