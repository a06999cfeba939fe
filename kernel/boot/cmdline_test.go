package boot

import "testing"

func TestVisitCmdLine(t *testing.T) {
	type option struct {
		key, value string
	}

	specs := []struct {
		cmdLine string
		exp     []option
	}{
		{"", nil},
		{"   ", nil},
		{"single", []option{{"single", ""}}},
		{"console=uart loglevel=2  quiet", []option{
			{"console", "uart"},
			{"loglevel", "2"},
			{"quiet", ""},
		}},
		{"root=/dev/mod0 rw", []option{
			{"root", "/dev/mod0"},
			{"rw", ""},
		}},
		// Only the first '=' splits key from value.
		{"path=/a=b", []option{{"path", "/a=b"}}},
	}

	for specIndex, spec := range specs {
		var got []option
		VisitCmdLine(spec.cmdLine, func(k, v string) bool {
			got = append(got, option{k, v})
			return true
		})

		if len(got) != len(spec.exp) {
			t.Errorf("[spec %d] expected %d options; got %d (%v)", specIndex, len(spec.exp), len(got), got)
			continue
		}
		for i := range got {
			if got[i] != spec.exp[i] {
				t.Errorf("[spec %d] option %d: expected %+v; got %+v", specIndex, i, spec.exp[i], got[i])
			}
		}
	}
}

func TestCmdLineValue(t *testing.T) {
	cmdLine := "console=uart loglevel=2 quiet"

	if v, ok := CmdLineValue(cmdLine, "loglevel"); !ok || v != "2" {
		t.Errorf("expected loglevel=2; got %q found=%t", v, ok)
	}
	if v, ok := CmdLineValue(cmdLine, "quiet"); !ok || v != "" {
		t.Errorf("expected the bare flag to be found with an empty value; got %q found=%t", v, ok)
	}
	if _, ok := CmdLineValue(cmdLine, "missing"); ok {
		t.Error("expected a missing key to report not found")
	}
}

func TestVisitCmdLineAbort(t *testing.T) {
	count := 0
	VisitCmdLine("a b c", func(_, _ string) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected the scan to stop after one option; got %d", count)
	}
}
