package program

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// programSchema constrains the wire shape; semantic rules (series
// references, periods, quotas) live in Program.Validate.
const programSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "interval", "inputs", "rules"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 0},
    "interval": {"type": "string", "minLength": 1},
    "inputs": {
      "type": "object",
      "required": ["symbol"],
      "properties": {
        "symbol": {"type": "string", "minLength": 1},
        "source": {"type": "string"}
      }
    },
    "series": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["ema", "field"]},
          "period": {"type": "integer", "minimum": 1},
          "source": {"enum": ["open", "high", "low", "close", "volume"]}
        }
      }
    },
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "guard", "actions"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "event": {"type": "string"},
          "oncePerBar": {"type": "boolean"},
          "guard": {"$ref": "#/$defs/guard"},
          "actions": {
            "type": "array",
            "minItems": 1,
            "items": {"$ref": "#/$defs/action"}
          },
          "quota": {
            "type": "object",
            "required": ["max", "windowMs"],
            "properties": {
              "max": {"type": "integer", "minimum": 1},
              "windowMs": {"type": "integer", "minimum": 1}
            }
          },
          "delayMs": {"type": "integer", "minimum": 0}
        }
      }
    }
  },
  "$defs": {
    "operand": {
      "type": "object",
      "required": ["type"],
      "oneOf": [
        {
          "properties": {
            "type": {"const": "series"},
            "name": {"type": "string", "minLength": 1}
          },
          "required": ["type", "name"]
        },
        {
          "properties": {
            "type": {"const": "const"},
            "value": {"type": "number"}
          },
          "required": ["type", "value"]
        }
      ]
    },
    "guard": {
      "type": "object",
      "required": ["type"],
      "oneOf": [
        {
          "properties": {
            "type": {"const": "threshold"},
            "left": {"$ref": "#/$defs/operand"},
            "op": {"enum": ["GT", "GTE", "LT", "LTE", "EQ"]},
            "right": {"$ref": "#/$defs/operand"}
          },
          "required": ["type", "left", "op", "right"]
        },
        {
          "properties": {
            "type": {"const": "crosses"},
            "left": {"$ref": "#/$defs/operand"},
            "dir": {"enum": ["above", "below"]},
            "right": {"$ref": "#/$defs/operand"}
          },
          "required": ["type", "left", "dir", "right"]
        }
      ]
    },
    "action": {
      "type": "object",
      "required": ["type"],
      "oneOf": [
        {
          "properties": {
            "type": {"const": "order"},
            "side": {"enum": ["BUY", "SELL"]},
            "qty": {"type": "number", "exclusiveMinimum": 0},
            "notional": {"type": "number", "exclusiveMinimum": 0},
            "meta": {"type": "object"}
          },
          "required": ["type", "side"]
        },
        {
          "properties": {
            "type": {"const": "state"},
            "state": {"type": "string", "minLength": 1},
            "note": {"type": "string"}
          },
          "required": ["type", "state"]
        }
      ]
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledProgramSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("program.json", strings.NewReader(programSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("program.json")
	})
	return compiledSchema, schemaErr
}
