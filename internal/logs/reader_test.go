package logs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eveLines = `{"timestamp":"2024-05-01T12:00:01.000000+0000","event_type":"flow","src_ip":"10.0.0.5","dest_ip":"45.67.89.10"}
{"timestamp":"2024-05-01T12:00:02.000000+0000","event_type":"dns","dns":{"rrname":"xk29-bad.tk.","rrtype":"A"}}

{"timestamp":"2024-05-01T12:00:03.000000+0000","event_type":"alert","alert":{"signature":"ET EXPLOIT CVE-2024-3400 attempt"},"src_ip":"10.0.0.5","dest_ip":"203.0.113.9"}
{"timestamp":"2024-05-01T12:00:04.000000+0000","event_type":"stats"}
not json at all
{"timestamp":"2024-05-01T09:00:00.000000+0000","event_type":"flow","src_ip":"10.0.0.6","dest_ip":"198.51.100.1"}
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func window() (time.Time, time.Time) {
	start := time.Date(2024, 5, 1, 11, 45, 0, 0, time.UTC)
	return start, start.Add(30 * time.Minute)
}

func TestFileReaderEVE(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "eve.jsonl", eveLines)
	writeFile(t, dir, "notes.txt", `{"event_type":"flow","src_ip":"1.2.3.4"}`)

	r, err := NewFileReader(dir, nil, nil)
	require.NoError(t, err)

	start, end := window()
	batch, err := r.ReadBatch(context.Background(), start, end)
	require.NoError(t, err)

	require.Len(t, batch.Flows, 1)
	require.Len(t, batch.DNS, 1)
	require.Len(t, batch.Alerts, 1)
	assert.Equal(t, 3, batch.Len())

	assert.Equal(t, "45.67.89.10", batch.Flows[0].String("dest_ip"))
	assert.Equal(t, "xk29-bad.tk.", batch.DNS[0].String("dns.rrname"))
	assert.Equal(t, "ET EXPLOIT CVE-2024-3400 attempt", batch.Alerts[0].String("alert.signature"))
	assert.True(t, batch.Flows[0].Time.Equal(time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)))
}

func TestFileReaderOCSF(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ocsf.json", `[
  {"class_uid": 4001, "time": 1714564800000, "src_endpoint": {"ip": "10.1.1.1"}, "dst_endpoint": {"ip": "45.67.89.10"}},
  {"class_uid": 4003, "time": "2024-05-01T12:00:00Z", "query": {"hostname": "evil.example.ru", "type": "A"}},
  {"class_uid": 2004, "time": 1714564800, "finding_info": {"title": "Exploit for CVE-2023-4966"},
   "file": {"hashes": [{"algorithm_id": 3, "value": "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"}]},
   "url": {"url_string": "http://bad.example.net/x", "hostname": "bad.example.net"}},
  {"class_uid": 1007, "time": 1714564800}
]`)

	r, err := NewFileReader(dir, nil, nil)
	require.NoError(t, err)

	start, end := window()
	batch, err := r.ReadBatch(context.Background(), start, end)
	require.NoError(t, err)

	require.Len(t, batch.Flows, 1)
	assert.Equal(t, "10.1.1.1", batch.Flows[0].String("src_ip"))
	assert.Equal(t, "45.67.89.10", batch.Flows[0].String("dest_ip"))

	require.Len(t, batch.DNS, 1)
	assert.Equal(t, "evil.example.ru", batch.DNS[0].String("dns.rrname"))

	require.Len(t, batch.Alerts, 1)
	alert := batch.Alerts[0]
	assert.Equal(t, "Exploit for CVE-2023-4966", alert.String("alert.signature"))
	assert.True(t, strings.HasPrefix(alert.String("fileinfo.sha256"), "E3B0C442"))
	assert.Equal(t, "http://bad.example.net/x", alert.String("http.url"))
	assert.Equal(t, "bad.example.net", alert.String("http.hostname"))
}

func TestFileReaderWindowIsHalfOpen(t *testing.T) {
	dir := t.TempDir()
	start, end := window()
	writeFile(t, dir, "a.jsonl",
		`{"timestamp":"`+start.Format(time.RFC3339Nano)+`","event_type":"flow","dest_ip":"192.0.2.1"}`+"\n"+
			`{"timestamp":"`+end.Format(time.RFC3339Nano)+`","event_type":"flow","dest_ip":"192.0.2.2"}`+"\n"+
			`{"event_type":"flow","dest_ip":"192.0.2.3"}`+"\n")

	r, err := NewFileReader(dir, nil, nil)
	require.NoError(t, err)

	batch, err := r.ReadBatch(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, batch.Flows, 2)
	assert.Equal(t, "192.0.2.1", batch.Flows[0].String("dest_ip"))
	assert.Equal(t, "192.0.2.3", batch.Flows[1].String("dest_ip"))
}

func TestNewFileReaderMissingDir(t *testing.T) {
	_, err := NewFileReader(filepath.Join(t.TempDir(), "nope"), nil, nil)
	assert.Error(t, err)
}

func TestEventGet(t *testing.T) {
	ev := Event{Fields: map[string]any{
		"dns.rrname": "flat.example",
		"http":       map[string]any{"hostname": "nested.example"},
		"count":      3.0,
	}}
	assert.Equal(t, "flat.example", ev.String("dns.rrname"))
	assert.Equal(t, "nested.example", ev.String("http.hostname"))
	assert.Equal(t, "", ev.String("count"))
	assert.Nil(t, ev.Get("http.hostname.extra"))
	assert.Nil(t, ev.Get("missing"))
}
