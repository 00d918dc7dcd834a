package template

import "testing"

func TestExpandPriorityOrder(t *testing.T) {
	input := map[string]string{
		"input_file": "/data/in.csv",
		"region":     "input-region",
	}
	config := map[string]string{
		"input_file": "config-should-lose",
		"region":     "eu-west-1",
	}
	processCtx := map[string]string{
		"region":      "ctx-should-lose",
		"A_exit_code": "0",
	}

	got := Expand("run ${input_file} --region ${region} --prev ${A_exit_code}", input, config, processCtx)
	want := "run /data/in.csv --region eu-west-1 --prev 0"
	if got != want {
		t.Fatalf("Expand = %q, want %q", got, want)
	}
}

func TestExpandWellKnownBeatsConfig(t *testing.T) {
	input := map[string]string{"output_dir": "/out"}
	config := map[string]string{"output_dir": "/cfg"}
	if got := Expand("ls ${output_dir}", input, config, nil); got != "ls /out" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestExpandConfigBeatsNonWellKnownInput(t *testing.T) {
	input := map[string]string{"bucket": "from-input"}
	config := map[string]string{"bucket": "from-config"}
	if got := Expand("cp x s3://${bucket}", input, config, nil); got != "cp x s3://from-config" {
		t.Fatalf("Expand = %q", got)
	}
}

func TestExpandUnknownKeyStaysLiteral(t *testing.T) {
	got := Expand("echo ${never_defined}", nil, nil, nil)
	if got != "echo ${never_defined}" {
		t.Fatalf("Expand = %q, want placeholder preserved", got)
	}
}

func TestExpandNoReexpansion(t *testing.T) {
	// A substituted value containing ${...} must not be expanded again.
	config := map[string]string{
		"a": "${b}",
		"b": "boom",
	}
	if got := Expand("echo ${a}", nil, config, nil); got != "echo ${b}" {
		t.Fatalf("Expand = %q, want single-pass result", got)
	}
}

func TestExpandNoPlaceholders(t *testing.T) {
	cmd := "echo plain"
	if got := Expand(cmd, nil, nil, nil); got != cmd {
		t.Fatalf("Expand = %q, want unchanged", got)
	}
}

func TestParseInputDataJSON(t *testing.T) {
	got := ParseInputData(`{"input_file":"/a.txt","count":3,"region":"us"}`)
	if got["input_file"] != "/a.txt" || got["region"] != "us" {
		t.Fatalf("ParseInputData = %#v", got)
	}
	if _, ok := got["count"]; ok {
		t.Fatalf("non-string value should be dropped, got %#v", got)
	}
}

func TestParseInputDataPairs(t *testing.T) {
	got := ParseInputData("input_file=/a.txt; region = us ;broken")
	if got["input_file"] != "/a.txt" || got["region"] != "us" {
		t.Fatalf("ParseInputData = %#v", got)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %#v", got)
	}
}

func TestParseInputDataEmpty(t *testing.T) {
	if got := ParseInputData("   "); len(got) != 0 {
		t.Fatalf("ParseInputData = %#v, want empty", got)
	}
}
