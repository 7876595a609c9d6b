package telemetry

// Point is one time-series data point handed to a Sink. Field values
// are numeric; non-finite floats never reach a sink.
type Point struct {
	Measurement string
	Tags        map[string]string
	Timestamp   int64 // milliseconds since the epoch
	Fields      map[string]interface{}
}

type Sink interface {
	EmitPoint(point Point) error
	// Must be idempotent and non-blocking. Use Wait() to block until shutdown is complete.
	Shutdown() error
	Wait()
}

type Tag struct {
	Key   string
	Value string
}

func NewTag(key string, value string) Tag {
	return Tag{
		Key:   key,
		Value: value,
	}
}

func NewPoint(
	measurement string,
	timestamp int64,
	fields map[string]interface{},
	tags ...Tag,
) Point {
	tagsMap := make(map[string]string)
	for _, tag := range tags {
		tagsMap[tag.Key] = tag.Value
	}

	return Point{
		Measurement: measurement,
		Tags:        tagsMap,
		Timestamp:   timestamp,
		Fields:      fields,
	}
}

// FieldValue converts a numeric field to float64 for sinks whose wire
// shape is float-only.
func FieldValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case int:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	default:
		return 0, false
	}
}
