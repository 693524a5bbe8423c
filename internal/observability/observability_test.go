package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, "debug", "json")
	logger.Debug("built cache unit", "operator", "otraf", "rows", 12)

	var record map[string]any
	require.NoError(t, json.Unmarshal(b.Bytes(), &record))
	assert.Equal(t, "built cache unit", record["msg"])
	assert.Equal(t, "DEBUG", record["level"])
	assert.Equal(t, "otraf", record["operator"])
	assert.Equal(t, 12.0, record["rows"])
}

func TestNewLoggerLevel(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, b.String(), "hidden")
	assert.True(t, strings.Contains(b.String(), "msg=shown"))
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.UnitsBuilt.WithLabelValues("TripUpdates", "success").Inc()
	m.FilesDecoded.Add(3)
	m.RowsWritten.Observe(120)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "koda_cache_units_built_total")
	assert.Contains(t, names, "koda_message_files_decoded_total")
	assert.Contains(t, names, "koda_cache_unit_rows")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FilesDecoded))
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	m := NewMetrics(nil)
	m.SchemaDrift.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchemaDrift))
}
