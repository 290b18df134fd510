package outbox

import "example.com/stepcount/internal/platform/events"

const stepsDailyRecordedSchema = `{
  "type": "object",
  "title": "StepsDailyRecorded",
  "properties": {
    "user_id": {"type": "string"},
    "date": {"type": "string", "format": "date"},
    "step_count": {"type": "integer", "minimum": 0},
    "distance": {"type": "number"},
    "calories": {"type": "integer"},
    "active_minutes": {"type": "integer"},
    "recorded_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "date", "step_count", "distance", "calories", "active_minutes", "recorded_at"],
  "additionalProperties": false
}`

const activitySessionRecordedSchema = `{
  "type": "object",
  "title": "ActivitySessionRecorded",
  "properties": {
    "session_id": {"type": "string"},
    "user_id": {"type": "string"},
    "activity_type": {"type": "string"},
    "start_time": {"type": "string", "format": "date-time"},
    "end_time": {"type": "string", "format": "date-time"},
    "steps": {"type": "integer", "minimum": 0},
    "distance": {"type": "number"}
  },
  "required": ["session_id", "user_id", "activity_type", "start_time", "steps", "distance"],
  "additionalProperties": false
}`

var eventSchemas = map[string]string{
	events.TypeStepsDailyRecorded:      stepsDailyRecordedSchema,
	events.TypeActivitySessionRecorded: activitySessionRecordedSchema,
}

// schemaFor returns the JSON schema registered for eventType.
func schemaFor(eventType string) (string, bool) {
	schema, ok := eventSchemas[eventType]
	return schema, ok
}
