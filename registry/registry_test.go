package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

const profileA = `{
	"service_config_id": "svc-a",
	"service_id": 7,
	"chain": "gnosis",
	"chain_id": 100,
	"mech_address": "0x1111111111111111111111111111111111111111",
	"safe_address": "0x2222222222222222222222222222222222222222",
	"agent_address": "0x3333333333333333333333333333333333333333",
	"key_file": "keys/svc-a.txt",
	"staking_contract": "0x4444444444444444444444444444444444444444"
}`

const profileB = `{
	"service_config_id": "svc-b",
	"service_id": -1,
	"chain": "gnosis",
	"chain_id": 100,
	"mech_address": "0x1111111111111111111111111111111111111111",
	"safe_address": "0x2222222222222222222222222222222222222222",
	"agent_address": "0x3333333333333333333333333333333333333333",
	"key_file": "keys/svc-b.txt"
}`

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "b.json", profileB)
	writeProfile(t, dir, "a.json", profileA)
	writeProfile(t, dir, "readme.txt", "not a profile")

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("loaded %d services, want 2", len(all))
	}
	if all[0].ServiceConfigID != "svc-a" {
		t.Errorf("services not sorted by config id: first is %s", all[0].ServiceConfigID)
	}
	if !filepath.IsAbs(all[0].KeyFile) {
		t.Errorf("relative key file not resolved: %s", all[0].KeyFile)
	}
	if !all[0].Staked() {
		t.Error("svc-a has a staking contract and should report staked")
	}
	if all[1].Staked() {
		t.Error("svc-b has no staking contract")
	}
}

func TestRotatableExcludesInvalid(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.json", profileA)
	writeProfile(t, dir, "b.json", profileB) // service_id -1

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rotatable := reg.Rotatable()
	if len(rotatable) != 1 || rotatable[0].ServiceConfigID != "svc-a" {
		t.Fatalf("rotatable = %+v, want only svc-a", rotatable)
	}
}

func TestMechsDeduplicated(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.json", profileA)

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	mechs := reg.Mechs()
	if len(mechs) != 1 {
		t.Fatalf("mechs = %d, want 1", len(mechs))
	}
}

func TestLoadRejectsBrokenProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad.json", "{not json")
	if _, err := Load(dir); err == nil {
		t.Fatal("broken profile should fail the load")
	}
}

func TestLoadRejectsEmptyDir(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("empty profile dir should error")
	}
}

func TestByConfigID(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.json", profileA)

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := reg.ByConfigID("svc-a"); !ok {
		t.Error("svc-a should resolve")
	}
	if _, ok := reg.ByConfigID("svc-zz"); ok {
		t.Error("unknown id should not resolve")
	}
}
