package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/series"
)

// TargetData is one attribute's samples ready for rendering.
type TargetData struct {
	Name   string
	Series *series.Series
}

const (
	contentTypeCSV  = "text/plain"
	contentTypeJSON = "application/json"
)

// negotiate picks a renderer from the Accept header. CSV is the default;
// Grafana asks for application/json explicitly.
func negotiate(accept string) string {
	if strings.Contains(accept, contentTypeJSON) {
		return contentTypeJSON
	}
	return contentTypeCSV
}

// render writes the full response for a set of targets, with the
// per-target work fanned out on the pool.
func (s *Server) render(ctx context.Context, w http.ResponseWriter, contentType string, data []TargetData) error {
	renderOne := renderTargetCSV
	if contentType == contentTypeJSON {
		renderOne = renderTargetJSON
	}

	payloads := make([]interface{}, len(data))
	for i := range data {
		payloads[i] = data[i]
	}
	blocks, err := s.pool.RunJobs(ctx, payloads, func(_ context.Context, payload interface{}) ([]byte, error) {
		return renderOne(payload.(TargetData))
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", contentType)
	if contentType == contentTypeJSON {
		_, err = w.Write(joinJSON(blocks))
		return err
	}
	_, err = w.Write(bytes.Join(blocks, []byte("\n")))
	return err
}

// renderTargetCSV emits one block: the attribute name on its own line,
// then one tab-separated "timestamp value" row per sample with the
// timestamp in integer microseconds.
func renderTargetCSV(t TargetData) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(t.Name)
	b.WriteByte('\n')
	for i := 0; i < t.Series.Len(); i++ {
		b.WriteString(strconv.FormatInt(int64(t.Series.Micros(i)), 10))
		b.WriteByte('\t')
		b.WriteString(strconv.FormatFloat(t.Series.At(i).Value, 'g', -1, 64))
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// renderTargetJSON emits one Grafana datasource object,
// {"target": name, "datapoints": [[value, t_ms], ...]}, with NaN values
// as null since JSON has no NaN.
func renderTargetJSON(t TargetData) ([]byte, error) {
	var b bytes.Buffer
	name, err := json.Marshal(t.Name)
	if err != nil {
		return nil, err
	}
	b.WriteString(`{"target":`)
	b.Write(name)
	b.WriteString(`,"datapoints":[`)
	for i := 0; i < t.Series.Len(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		if v := t.Series.At(i).Value; math.IsNaN(v) {
			b.WriteString("null")
		} else {
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(t.Series.Micros(i).Millis(), 'f', -1, 64))
		b.WriteString("]")
	}
	b.WriteString("]}")
	return b.Bytes(), nil
}

func joinJSON(blocks [][]byte) []byte {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, block := range blocks {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(block)
	}
	b.WriteByte(']')
	return b.Bytes()
}
