package config

import "testing"

func TestExpandEnvSetVariable(t *testing.T) {
	t.Setenv("STOCKBOT_TEST_VAR", "value1")
	if got := ExpandEnv("prefix ${STOCKBOT_TEST_VAR} suffix"); got != "prefix value1 suffix" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvUnsetVariable(t *testing.T) {
	if got := ExpandEnv("a ${STOCKBOT_TEST_DEFINITELY_UNSET} b"); got != "a  b" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvDefault(t *testing.T) {
	if got := ExpandEnv("${STOCKBOT_TEST_DEFINITELY_UNSET:-fallback}"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvDefaultIgnoredWhenSet(t *testing.T) {
	t.Setenv("STOCKBOT_TEST_VAR", "real")
	if got := ExpandEnv("${STOCKBOT_TEST_VAR:-fallback}"); got != "real" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvEmptyUsesDefault(t *testing.T) {
	t.Setenv("STOCKBOT_TEST_VAR", "")
	if got := ExpandEnv("${STOCKBOT_TEST_VAR:-fallback}"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvMultiple(t *testing.T) {
	t.Setenv("STOCKBOT_TEST_A", "1")
	t.Setenv("STOCKBOT_TEST_B", "2")
	if got := ExpandEnv("${STOCKBOT_TEST_A}:${STOCKBOT_TEST_B}"); got != "1:2" {
		t.Errorf("got %q", got)
	}
}

func TestExpandEnvLeavesPlainText(t *testing.T) {
	in := "no variables here, $HOME is not braced"
	if got := ExpandEnv(in); got != in {
		t.Errorf("got %q", got)
	}
}
