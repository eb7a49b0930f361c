package cmd

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestExtractDebugFlag(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantArgs  []string
		wantDebug bool
	}{
		{
			name:     "no debug flag",
			args:     []string{"svc/frontend", "8080:80"},
			wantArgs: []string{"svc/frontend", "8080:80"},
		},
		{
			name:      "debug flag removed",
			args:      []string{"svc/frontend", "8080:80", "--debug"},
			wantArgs:  []string{"svc/frontend", "8080:80"},
			wantDebug: true,
		},
		{
			name:      "debug flag in the middle",
			args:      []string{"--debug", "svc/frontend", "8080:80", "-n", "prod"},
			wantArgs:  []string{"svc/frontend", "8080:80", "-n", "prod"},
			wantDebug: true,
		},
		{
			name: "empty args",
			args: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotArgs, gotDebug := extractDebugFlag(tt.args)
			if gotDebug != tt.wantDebug {
				t.Errorf("debug: got %v, want %v", gotDebug, tt.wantDebug)
			}
			if len(gotArgs) != len(tt.wantArgs) {
				t.Fatalf("args: got %v, want %v", gotArgs, tt.wantArgs)
			}
			if len(tt.wantArgs) > 0 && !reflect.DeepEqual(gotArgs, tt.wantArgs) {
				t.Errorf("args: got %v, want %v", gotArgs, tt.wantArgs)
			}
		})
	}
}

func TestExtractDebugFlagDoesNotMutateInput(t *testing.T) {
	args := []string{"svc/frontend", "--debug", "8080:80"}
	extractDebugFlag(args)
	want := []string{"svc/frontend", "--debug", "8080:80"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("input slice was mutated: %v", args)
	}
}

func TestRootCmdShowsHelpWithoutArgs(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()
	rootCmd.SetArgs([]string{})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Error executing root command without args: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "kubectl port-forward") {
		t.Errorf("Help output should mention kubectl port-forward. Got: %q", output)
	}
}

func TestNewVersionCmd(t *testing.T) {
	originalVersion := rootCmd.Version
	defer func() { rootCmd.Version = originalVersion }()
	rootCmd.Version = "1.2.3"

	versionCmd := newVersionCmd()
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.SetArgs([]string{})

	if err := versionCmd.Execute(); err != nil {
		t.Fatalf("Error executing version command: %v", err)
	}

	if !strings.Contains(buf.String(), "kpf version 1.2.3") {
		t.Errorf("Version output wrong: %q", buf.String())
	}
}
