package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func f64(v float64) *float64 { return &v }

func compiled(c Condition) Condition {
	if err := c.compile(); err != nil {
		panic(err)
	}
	return c
}

func TestCondition_Match(t *testing.T) {
	item := gjson.Parse(`{"type":"Aid Response","speed":"47.5","cur":31,"avg":18,"sev":"Severe","empty":""}`)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"empty always", Condition{}, true},
		{"field present", Condition{Field: "type"}, true},
		{"field blank", Condition{Field: "empty"}, false},
		{"field missing", Condition{Field: "nope"}, false},
		{"keywords any", Condition{Field: "type", Keywords: []string{"fire", "aid"}}, true},
		{"keywords none", Condition{Field: "type", Keywords: []string{"fire"}}, false},
		{"equals fold", Condition{Field: "sev", Equals: "severe"}, true},
		{"pattern", compiled(Condition{Field: "sev", Pattern: "(?i)^sev"}), true},
		{"not equals other", Condition{Field: "sev", NotEquals: "Minor"}, true},
		{"not equals fold", Condition{Field: "sev", NotEquals: "severe"}, false},
		{"not equals missing field", Condition{Field: "nope", NotEquals: "Spring Training"}, true},
		{"numeric string gte", Condition{Field: "speed", GTE: f64(45)}, true},
		{"numeric lte fails", Condition{Field: "speed", LTE: f64(40)}, false},
		{"non numeric threshold", Condition{Field: "type", GTE: f64(1)}, false},
		{"minus", Condition{Field: "cur", Minus: "avg", GTE: f64(10)}, true},
		{"over", Condition{Field: "cur", Over: "avg", GTE: f64(1.4)}, true},
		{"over missing divisor", Condition{Field: "cur", Over: "nope", GTE: f64(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Match(item))
		})
	}
}

func TestRule_Match(t *testing.T) {
	item := gjson.Parse(`{"t":1.5,"h":93}`)

	slick := Rule{
		When: Condition{Field: "h", GTE: f64(90)},
		And:  []Condition{{Field: "t", LTE: f64(2)}},
	}
	assert.True(t, slick.Match(item))

	slick.And[0].LTE = f64(1)
	assert.False(t, slick.Match(item))

	anyRule := Rule{Any: []Condition{{Field: "t", GTE: f64(5)}, {Field: "h", GTE: f64(90)}}}
	assert.True(t, anyRule.Match(item))
	anyRule.Any[1].GTE = f64(95)
	assert.False(t, anyRule.Match(item))

	humid := Rule{When: Condition{Field: "h"}}
	assert.Equal(t, "93", humid.subject(item))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "fire-in-building", slug("Fire in Building"))
	assert.Equal(t, "police-investigating-shooting-in-ballard", slug("  Police Investigating Shooting in Ballard!! "))
	assert.Equal(t, "", slug("!!!"))
}
