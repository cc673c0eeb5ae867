package validation

import (
	"sync"
	"testing"

	"github.com/rendis/pulse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *PayloadValidator {
	t.Helper()
	v, err := NewPayloadValidator()
	require.NoError(t, err)
	return v
}

func TestNewPayloadValidator_CompilesAllKinds(t *testing.T) {
	v := newValidator(t)
	for _, kind := range schema.KnownEventKinds {
		assert.Contains(t, v.schemas, kind)
	}
}

func TestValidate_ValidPayloads(t *testing.T) {
	v := newValidator(t)

	cases := map[schema.EventKind]string{
		schema.EventConnection:     `{"message":"ready","server_time":"2026-01-02T15:04:05Z"}`,
		schema.EventWorkflowUpdate: `{"workflow_key":"blog-weekly","status":"active"}`,
		schema.EventRunUpdate:      `{"run_id":"r-1","status":"running","progress":12.5}`,
		schema.EventNodeUpdate:     `{"run_id":"r-1","node_id":"outline","status":"completed","output":{"k":1}}`,
		schema.EventError:          `{"code":"QUOTA","message":"limit"}`,
	}
	for kind, data := range cases {
		assert.NoError(t, v.Validate(kind, []byte(data)), string(kind))
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(schema.EventRunUpdate, []byte(`{"status":"running"}`))
	require.Error(t, err)

	var pErr *schema.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, schema.ErrCodeMalformedPayload, pErr.Code)
	assert.Equal(t, "run-update", pErr.Details["kind"])
	assert.NotEmpty(t, pErr.Details["violations"])
}

func TestValidate_MultipleViolations(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(schema.EventNodeUpdate, []byte(`{"run_id":"","node_id":"n","status":"exploded"}`))
	var pErr *schema.Error
	require.ErrorAs(t, err, &pErr)
	violations, ok := pErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestValidate_BadEnumAndFormat(t *testing.T) {
	v := newValidator(t)

	assert.Error(t, v.Validate(schema.EventWorkflowUpdate, []byte(`{"workflow_key":"k","status":"deleted"}`)))
	assert.Error(t, v.Validate(schema.EventConnection, []byte(`{"server_time":"yesterday"}`)))
}

func TestValidate_InvalidJSON(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(schema.EventRunUpdate, []byte(`{"run_id":`))
	var pErr *schema.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, schema.ErrCodeMalformedPayload, pErr.Code)
}

func TestValidate_UnknownKindPasses(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.Validate(schema.EventKind("heartbeat"), []byte(`not json`)))
}

func TestValidate_Concurrent(t *testing.T) {
	v := newValidator(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.Validate(schema.EventRunUpdate, []byte(`{"run_id":"r","status":"pending"}`)))
		}()
	}
	wg.Wait()
}
