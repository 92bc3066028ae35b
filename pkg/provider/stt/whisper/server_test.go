package whisper

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServerDecoder_Decode(t *testing.T) {
	t.Parallel()

	var gotLang, gotModel, gotFormat string
	var wavLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotLang = r.FormValue("language")
		gotModel = r.FormValue("model")
		gotFormat = r.FormValue("response_format")
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		wavLen = len(data)
		_, _ = w.Write([]byte(`{"text":"  hello there \n"}`))
	}))
	defer srv.Close()

	dec, err := NewServerDecoder(srv.URL+"/", WithModel("base.en"))
	if err != nil {
		t.Fatalf("NewServerDecoder: %v", err)
	}
	text, err := dec.Decode(context.Background(), make([]float32, 1600), "de")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q, want %q", text, "hello there")
	}
	if gotLang != "de" || gotModel != "base.en" || gotFormat != "json" {
		t.Errorf("fields = (%q, %q, %q)", gotLang, gotModel, gotFormat)
	}
	if wavLen != 44+1600*2 {
		t.Errorf("wav length = %d, want %d", wavLen, 44+1600*2)
	}
}

func TestServerDecoder_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dec, _ := NewServerDecoder(srv.URL)
	if _, err := dec.Decode(context.Background(), make([]float32, 160), "en"); err == nil {
		t.Fatal("Decode: want error for HTTP 500")
	}
}

func TestNewServerDecoder_EmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := NewServerDecoder(""); err == nil {
		t.Fatal("want error for empty URL")
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 320)
	wav := encodeWAV(pcm, 16000, 1)

	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad chunk ids: %q %q %q", wav[0:4], wav[8:12], wav[36:40])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 320 {
		t.Errorf("data size = %d, want 320", got)
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != 36+320 {
		t.Errorf("riff size = %d, want %d", got, 36+320)
	}
}

func TestComputeRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", make([]float32, 10), 0},
		{"square", []float32{0.5, -0.5, 0.5, -0.5}, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := computeRMS(tc.samples); got != tc.want {
				t.Errorf("computeRMS = %v, want %v", got, tc.want)
			}
		})
	}
}
