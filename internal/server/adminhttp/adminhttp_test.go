package adminhttp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iwismer/rusty-timer-sub001/internal/fanout"
	"github.com/iwismer/rusty-timer-sub001/internal/registry"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

type stubRelay struct {
	hub        *fanout.Hub
	resetEpoch uint64
	resetErr   error
	resetCalls []string
}

func (r *stubRelay) TriggerEpochReset(streamID string) (uint64, error) {
	r.resetCalls = append(r.resetCalls, streamID)
	return r.resetEpoch, r.resetErr
}

func (r *stubRelay) Hub() *fanout.Hub { return r.hub }

func newFixture(t *testing.T) (*store.Store, *stubRelay, http.Handler) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	relay := &stubRelay{hub: fanout.New(st, 16, 8), resetEpoch: 2}
	return st, relay, New(st, relay).Mux()
}

func seedStream(t *testing.T, st *store.Store) string {
	t.Helper()
	id, _, err := st.UpsertStream("fwd-1", "10.0.0.5:10000")
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}
	return id
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListStreamsAndPatchAlias(t *testing.T) {
	st, _, h := newFixture(t)
	id := seedStream(t, st)

	rec := doJSON(t, h, http.MethodPatch, "/v1/streams/"+id, map[string]string{"display_name": "Finish Line"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/streams", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var streams []streamJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(streams) != 1 || streams[0].DisplayName != "Finish Line" {
		t.Fatalf("unexpected stream list: %+v", streams)
	}

	rec = doJSON(t, h, http.MethodPatch, "/v1/streams/no-such-id", map[string]string{"display_name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("patch of unknown stream = %d, want 404", rec.Code)
	}
}

func TestStreamMetricsEndpoint(t *testing.T) {
	st, _, h := newFixture(t)
	id := seedStream(t, st)
	_, err := st.IngestBatch(id, []store.IngestEvent{
		{Epoch: 1, Seq: 1, ReaderTimestamp: "12:00:00.000", RawLine: "aa,1", ReadType: "chip"},
		{Epoch: 1, Seq: 1, ReaderTimestamp: "12:00:00.000", RawLine: "aa,1", ReadType: "chip"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/streams/"+id+"/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["raw_count"].(float64) != 2 || m["dedup_count"].(float64) != 1 || m["retransmit_count"].(float64) != 1 {
		t.Fatalf("unexpected counters: %v", m)
	}
}

func TestResetEpochOutcomes(t *testing.T) {
	st, relay, h := newFixture(t)
	id := seedStream(t, st)

	rec := doJSON(t, h, http.MethodPost, "/v1/streams/"+id+"/reset-epoch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ok map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok["new_epoch"] != 2 {
		t.Fatalf("new_epoch = %d, want 2", ok["new_epoch"])
	}
	if len(relay.resetCalls) != 1 || relay.resetCalls[0] != id {
		t.Fatalf("reset calls = %v", relay.resetCalls)
	}

	relay.resetErr = registry.ErrDeviceOffline
	rec = doJSON(t, h, http.MethodPost, "/v1/streams/"+id+"/reset-epoch", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("offline reset status = %d, want 409", rec.Code)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Code != "DEVICE_OFFLINE" {
		t.Fatalf("error code = %s", env.Code)
	}

	relay.resetErr = store.ErrNotFound
	rec = doJSON(t, h, http.MethodPost, "/v1/streams/no-such-id/reset-epoch", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing stream reset status = %d, want 404", rec.Code)
	}
}

func TestExportFormatsAndGzip(t *testing.T) {
	st, _, h := newFixture(t)
	id := seedStream(t, st)
	_, err := st.IngestBatch(id, []store.IngestEvent{
		{Epoch: 1, Seq: 1, ReaderTimestamp: "12:00:00.000", RawLine: "aa,1", ReadType: "chip"},
		{Epoch: 1, Seq: 2, ReaderTimestamp: "12:00:01.000", RawLine: "bb,2", ReadType: "chip"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/streams/"+id+"/export?format=raw", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("raw export status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "aa,1\nbb,2\n" {
		t.Fatalf("raw export = %q", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/streams/"+id+"/export?format=csv", nil)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "stream_epoch,seq,") {
		t.Fatalf("csv export = %q", rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/streams/"+id+"/export?format=raw&gzip=1", nil)
	if enc := rec.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("Content-Encoding = %q", enc)
	}
	gr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if string(plain) != "aa,1\nbb,2\n" {
		t.Fatalf("gunzipped export = %q", plain)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/streams/"+id+"/export?format=xml", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", rec.Code)
	}

	// Unknown stream with gzip requested: the error body must be plain JSON
	// with no gzip trailer appended after it.
	rec = doJSON(t, h, http.MethodGet, "/v1/streams/nope/export?format=raw&gzip=1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing stream status = %d", rec.Code)
	}
	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Fatalf("Content-Encoding on error = %q", enc)
	}
	var errBody errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("error body is not clean JSON: %v: %q", err, rec.Body.String())
	}
	if errBody.Code != "NOT_FOUND" {
		t.Fatalf("error code = %q", errBody.Code)
	}
}

func TestRaceLifecycleAndImports(t *testing.T) {
	_, _, h := newFixture(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/races", map[string]string{"name": "Spring 10K"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create race status = %d, body %s", rec.Code, rec.Body.String())
	}
	var race raceJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &race); err != nil {
		t.Fatalf("decode: %v", err)
	}

	participants := []participantJSON{
		{Bib: 12, FirstName: "Ada", LastName: "Ruiz", Gender: "F", ChipIDs: []string{"AA01"}},
		{Bib: 44, FirstName: "Ben", LastName: "Oke", Gender: "M", ChipIDs: []string{"AA02", "AA03"}},
	}
	rec = doJSON(t, h, http.MethodPut, "/v1/races/"+race.RaceID+"/participants", participants)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPut, "/v1/races/"+race.RaceID+"/chips", []map[string]any{
		{"chip_id": "AA01", "bib": 12},
		{"chip_id": "ZZ99", "bib": 999},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chip import status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/races/"+race.RaceID+"/unmatched-chips", nil)
	var unmatched []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &unmatched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(unmatched) != 1 || unmatched[0]["chip_id"] != "ZZ99" {
		t.Fatalf("unmatched = %v", unmatched)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/races/"+race.RaceID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/v1/races/"+race.RaceID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestMappingEndpoints(t *testing.T) {
	st, _, h := newFixture(t)
	id := seedStream(t, st)
	race, err := st.CreateRace("Fall Half")
	if err != nil {
		t.Fatalf("create race: %v", err)
	}

	rec := doJSON(t, h, http.MethodPut, "/v1/forwarders/fwd-1/race", map[string]string{"race_id": race.RaceID})
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarder mapping status = %d, body %s", rec.Code, rec.Body.String())
	}
	got, ok, err := st.GetForwarderRace("fwd-1")
	if err != nil || !ok || got != race.RaceID {
		t.Fatalf("mapping not stored: %q %v %v", got, ok, err)
	}

	rec = doJSON(t, h, http.MethodPut, "/v1/streams/"+id+"/epochs/2/race", map[string]string{"race_id": race.RaceID})
	if rec.Code != http.StatusOK {
		t.Fatalf("epoch mapping status = %d, body %s", rec.Code, rec.Body.String())
	}
	mapped, err := st.MappedEpochs(id)
	if err != nil || mapped[2] != race.RaceID {
		t.Fatalf("epoch mapping not stored: %v %v", mapped, err)
	}

	rec = doJSON(t, h, http.MethodPut, "/v1/streams/"+id+"/epochs/0/race", map[string]string{"race_id": race.RaceID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("epoch 0 status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPut, "/v1/forwarders/fwd-1/race", map[string]string{"race_id": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown race mapping status = %d, want 404", rec.Code)
	}

	// Clearing the mapping.
	rec = doJSON(t, h, http.MethodPut, "/v1/forwarders/fwd-1/race", map[string]string{"race_id": ""})
	if rec.Code != http.StatusOK {
		t.Fatalf("clear mapping status = %d", rec.Code)
	}
	_, ok, err = st.GetForwarderRace("fwd-1")
	if err != nil || ok {
		t.Fatalf("mapping not cleared: %v %v", ok, err)
	}
}

func TestBulkRaceStreamMapping(t *testing.T) {
	st, _, h := newFixture(t)
	id := seedStream(t, st)
	race, err := st.CreateRace("Winter 5K")
	if err != nil {
		t.Fatalf("create race: %v", err)
	}

	rec := doJSON(t, h, http.MethodPut, "/v1/races/"+race.RaceID+"/streams", []map[string]any{
		{"stream_id": id, "epoch": 1},
		{"stream_id": id, "epoch": 2},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk mapping status = %d, body %s", rec.Code, rec.Body.String())
	}
	mapped, err := st.MappedEpochs(id)
	if err != nil || mapped[1] != race.RaceID || mapped[2] != race.RaceID {
		t.Fatalf("mapped = %v (%v)", mapped, err)
	}

	rec = doJSON(t, h, http.MethodPut, "/v1/races/"+race.RaceID+"/streams", []map[string]any{
		{"stream_id": "no-such-stream", "epoch": 1},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown stream status = %d, want 404", rec.Code)
	}
}

func TestReceiverCursorsEndpoint(t *testing.T) {
	st, _, h := newFixture(t)
	id := seedStream(t, st)
	if err := st.UpsertCursor("rcv-1", id, 1, 42); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/receivers/rcv-1/cursors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cursors status = %d", rec.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0]["stream_id"] != id || out[0]["last_seq"].(float64) != 42 {
		t.Fatalf("cursors = %v", out)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	st, _, h := newFixture(t)
	id := seedStream(t, st)
	if _, err := st.IngestBatch(id, []store.IngestEvent{
		{Epoch: 1, Seq: 1, ReaderTimestamp: "12:00:00.000", RawLine: "aa,1", ReadType: "chip"},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`timer_stream_epoch{forwarder="fwd-1",reader="10.0.0.5:10000"} 1`,
		`timer_reads_raw_total{forwarder="fwd-1",reader="10.0.0.5:10000"} 1`,
		"timer_streams_total 1",
		"timer_receivers_online 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestCustomCollectorLinesAppear(t *testing.T) {
	_, _, h := newFixture(t)
	RegisterCustomCollector(func() []string {
		return []string{"timer_server_uptime_seconds 42"}
	})

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "timer_server_uptime_seconds 42") {
		t.Fatalf("custom collector line missing:\n%s", rec.Body.String())
	}
}
