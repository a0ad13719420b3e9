package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePlatform(t *testing.T) {
	for _, valid := range []string{"twitter", "telegram", "reddit", "discord"} {
		got, err := ParsePlatform(valid)
		assert.NoError(t, err)
		assert.Equal(t, Platform(valid), got)
	}

	for _, invalid := range []string{"", "myspace", "Twitter", "TWITTER"} {
		_, err := ParsePlatform(invalid)
		var inputErr *InputError
		assert.ErrorAs(t, err, &inputErr, "platform %q", invalid)
	}
}

func TestComparatorCompare(t *testing.T) {
	tests := []struct {
		comparator Comparator
		observed   float64
		threshold  float64
		want       bool
	}{
		{CompareGT, 2, 1, true},
		{CompareGT, 1, 1, false},
		{CompareGTE, 1, 1, true},
		{CompareGTE, 0.5, 1, false},
		{CompareLT, -0.8, -0.5, true},
		{CompareLT, -0.5, -0.5, false},
		{CompareLTE, -0.5, -0.5, true},
		{CompareLTE, 0, -0.5, false},
	}
	for _, tt := range tests {
		got, err := tt.comparator.Compare(tt.observed, tt.threshold)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v %v %v", tt.observed, tt.comparator, tt.threshold)
	}

	_, err := Comparator("between").Compare(1, 2)
	var ruleErr *RuleConfigError
	assert.ErrorAs(t, err, &ruleErr)
}

func TestValidateAlertRule(t *testing.T) {
	tokenA := int64(1)
	tokenB := int64(2)

	valid := AlertRule{
		TokenID:    &tokenA,
		Metric:     MetricMentionCount,
		Comparator: CompareGT,
		Threshold:  10,
		Window:     time.Hour,
	}
	assert.NoError(t, ValidateAlertRule(&valid))

	correlation := AlertRule{
		TokenID:      &tokenA,
		OtherTokenID: &tokenB,
		Metric:       MetricCorrelation,
		Comparator:   CompareGTE,
		Threshold:    0.8,
		Window:       24 * time.Hour,
	}
	assert.NoError(t, ValidateAlertRule(&correlation))

	tests := []struct {
		name   string
		mutate func(*AlertRule)
	}{
		{"missing token", func(r *AlertRule) { r.TokenID = nil }},
		{"unknown metric", func(r *AlertRule) { r.Metric = "velocity" }},
		{"unknown comparator", func(r *AlertRule) { r.Comparator = "between" }},
		{"zero window", func(r *AlertRule) { r.Window = 0 }},
		{"negative cooldown", func(r *AlertRule) { r.Cooldown = -time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid
			tt.mutate(&rule)
			var ruleErr *RuleConfigError
			assert.ErrorAs(t, ValidateAlertRule(&rule), &ruleErr)
		})
	}

	t.Run("correlation without second token", func(t *testing.T) {
		rule := correlation
		rule.OtherTokenID = nil
		var ruleErr *RuleConfigError
		assert.ErrorAs(t, ValidateAlertRule(&rule), &ruleErr)
	})

	t.Run("correlation with itself", func(t *testing.T) {
		rule := correlation
		rule.OtherTokenID = &tokenA
		var ruleErr *RuleConfigError
		assert.ErrorAs(t, ValidateAlertRule(&rule), &ruleErr)
	})
}
