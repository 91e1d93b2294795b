package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "unset", value: "", want: time.Minute},
		{name: "go duration", value: "90s", want: 90 * time.Second},
		{name: "plain seconds", value: "5", want: 5 * time.Second},
		{name: "negative", value: "-3", want: time.Minute},
		{name: "garbage", value: "soon", want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FM_TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, Duration("FM_TEST_DURATION", time.Minute))
		})
	}
}

func TestCSVDeduplicates(t *testing.T) {
	t.Setenv("FM_TEST_CSV", " a, b ,a,, c")
	assert.Equal(t, []string{"a", "b", "c"}, CSV("FM_TEST_CSV", []string{"x"}))

	t.Setenv("FM_TEST_CSV", " , ")
	assert.Equal(t, []string{"x"}, CSV("FM_TEST_CSV", []string{"x"}))
}

func TestKeyValues(t *testing.T) {
	t.Setenv("FM_TEST_KV", "firm-abc=postgres://abc/db?sslmode=disable, broken, shared-db=postgres://shared/db")
	got := KeyValues("FM_TEST_KV")
	assert.Equal(t, map[string]string{
		"firm-abc":  "postgres://abc/db?sslmode=disable",
		"shared-db": "postgres://shared/db",
	}, got)
}
