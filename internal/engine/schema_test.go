package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerEventSchema(t *testing.T) {
	assert.NoError(t, TriggerEventSchema.Validate([]byte(`{"type":"signup","contactId":"c-1","payload":{"plan":"pro"}}`)))

	err := TriggerEventSchema.Validate([]byte(`{"type":"signup"}`))
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "trigger event", se.Document)
	assert.Len(t, se.Problems, 1)
	assert.Contains(t, se.Problems[0], "contactId")

	err = TriggerEventSchema.Validate([]byte(`{"type":"signup","contactId":"c-1","payload":"nope"}`))
	assert.True(t, IsSchemaError(err))
}

func TestDeliveryEventSchema(t *testing.T) {
	assert.NoError(t, DeliveryEventSchema.Validate([]byte(`{"deliveryId":"d-1","event":"opened","revenue":12.5}`)))
	assert.True(t, IsSchemaError(DeliveryEventSchema.Validate([]byte(`{"deliveryId":"d-1","event":"complained"}`))))
	assert.True(t, IsSchemaError(DeliveryEventSchema.Validate([]byte(`{"deliveryId":"d-1","event":"opened","revenue":-1}`))))
}

func TestDefinitionSchema(t *testing.T) {
	valid := `{
		"name": "Welcome",
		"trigger": {"type": "signup", "filters": [{"field": "payload.plan", "operator": "equals", "value": "pro"}]},
		"steps": [
			{"id": "welcome", "type": "email", "config": {"templateRef": "Welcome"}, "nextSteps": ["wait"]},
			{"id": "wait", "type": "delay", "config": {"delayType": "fixed", "delayValue": 1, "delayUnit": "days"}}
		],
		"settings": {"sendingWindow": {"startTime": "09:00", "endTime": "17:00"}}
	}`
	assert.NoError(t, DefinitionSchema.Validate([]byte(valid)))

	err := DefinitionSchema.Validate([]byte(`{"name":"x","trigger":{"type":"signup"},"steps":[{"id":"a","type":"sms","config":{}}]}`))
	assert.True(t, IsSchemaError(err))

	err = DefinitionSchema.Validate([]byte(`{"name":"x","trigger":{"type":"signup"},"steps":[]}`))
	assert.True(t, IsSchemaError(err))
}

func TestSchema_MalformedJSON(t *testing.T) {
	err := TriggerEventSchema.Validate([]byte(`{"type":`))
	assert.True(t, IsSchemaError(err))
}
