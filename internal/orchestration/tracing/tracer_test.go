package tracing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// The noop tracer must still hand out usable spans.
	_, span := p.Tracer().Start(context.Background(), "anything")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewProvider_NoneExporter(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "internal-only")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "out.jsonl")

	p, err := NewProvider(config.TracingConfig{
		Enabled:    true,
		Exporter:   "file",
		FilePath:   path,
		SampleRate: 1.0,
	})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "deploy-task")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []spanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec spanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 1)
	require.Equal(t, "deploy-task", records[0].Name)
	require.NotEmpty(t, records[0].TraceID)
	require.NotEmpty(t, records[0].SpanID)
	require.Empty(t, records[0].ParentSpanID)
}

func TestFileExporter_ParentSpanRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file", FilePath: path})
	require.NoError(t, err)

	ctx, parent := p.Tracer().Start(context.Background(), "parent")
	_, child := p.Tracer().Start(ctx, "child")
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	byName := map[string]spanRecord{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var rec spanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		byName[rec.Name] = rec
	}
	require.NoError(t, scanner.Err())

	require.Len(t, byName, 2)
	require.Equal(t, byName["parent"].SpanID, byName["child"].ParentSpanID)
	require.Equal(t, byName["parent"].TraceID, byName["child"].TraceID)
}
