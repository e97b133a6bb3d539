package cli

import "testing"

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"serve": false, "relay": false, "identity": false}
	for _, cmd := range RootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestRootFlags(t *testing.T) {
	for _, flag := range []string{"verbose", "data-dir", "relay"} {
		if RootCmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag %q", flag)
		}
	}
}
