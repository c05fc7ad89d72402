package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/schemabus/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toTable converts header values to the types an AMQP field table accepts
func toTable(headers map[string]interface{}) (amqp.Table, error) {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		converted, err := toFieldValue(v)
		if err != nil {
			return nil, fmt.Errorf("header %q: %w", k, err)
		}
		table[k] = converted
	}

	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrArgument, err)
	}
	return table, nil
}

func toFieldValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			converted, err := toFieldValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case map[string]interface{}:
		return toTable(t)
	case amqp.Table:
		return toTable(t)
	case int:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case time.Time:
		return t, nil
	case contracts.Value:
		return toFieldValue(t.Interface())
	case fmt.Stringer:
		return t.String(), nil
	default:
		return v, nil
	}
}
