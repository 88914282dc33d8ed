package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cislave/internal/config"
	"cislave/internal/logging"
	"cislave/internal/provisioning"
	"cislave/internal/state"

	"go.uber.org/zap"
)

const fakeConfig = `cloud: fake
machine_type: n1-standard-2
username: jenkins
public_key_filename: {{dir}}/id_rsa.pub
private_key_filename: {{dir}}/id_rsa
state:
  backend: file
  path: {{dir}}/state.json
distributions:
  ubuntu1404:
    description: Ubuntu 14.04 build slave
    instance_name: ubuntu1404-slave
    base_image_prefix: ubuntu-1404
    base_image_project: ubuntu-os-cloud
  centos7:
    description: CentOS 7 build slave
    instance_name: centos7-slave
    base_image_prefix: centos-7
    base_image_project: centos-cloud
`

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	logging.SetLogger(zap.NewNop())
	dir := t.TempDir()
	path := filepath.Join(dir, "cislave.yaml")
	content := strings.ReplaceAll(fakeConfig, "{{dir}}", dir)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, path
}

func execute(args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestUpRecordsStateAndDestroyRemovesStaleRecord(t *testing.T) {
	dir, cfgPath := writeConfig(t)
	statePath := filepath.Join(dir, "state.json")

	if err := execute("keygen", "--config", cfgPath); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if err := execute("up", "--config", cfgPath, "--distro", "centos7", "--zone", "europe-west1-b"); err != nil {
		t.Fatalf("up failed: %v", err)
	}

	saved, err := state.NewFileStore().Load(context.Background(), statePath)
	if err != nil {
		t.Fatalf("Expected a state record: %v", err)
	}
	if !strings.HasPrefix(saved.InstanceName, "centos7-slave-") || saved.Zone != "europe-west1-b" || saved.Distribution != "centos7" {
		t.Errorf("Unexpected state %+v", saved)
	}
	if saved.IPAddress == "" {
		t.Error("Expected the IP address to be recorded")
	}

	if err := execute("up", "--config", cfgPath, "--distro", "centos7"); err == nil {
		t.Error("Expected up to refuse to overwrite an existing record")
	}

	// every command builds a new fake cloud, so the recorded instance is gone
	if err := execute("destroy", "--config", cfgPath); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if _, err := state.NewFileStore().Load(context.Background(), statePath); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Expected the stale record to be removed, got %v", err)
	}
}

func TestAttachWithoutStateFails(t *testing.T) {
	_, cfgPath := writeConfig(t)

	err := execute("attach", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "cislave up") {
		t.Errorf("Expected a hint to run up, got %v", err)
	}
}

func TestStateRejectsUnknownFormat(t *testing.T) {
	dir, cfgPath := writeConfig(t)
	rec := state.State{InstanceName: "ubuntu1404-slave-1", Distribution: "ubuntu1404", Zone: "us-central1-f"}
	if err := state.NewFileStore().Save(context.Background(), filepath.Join(dir, "state.json"), rec); err != nil {
		t.Fatal(err)
	}

	if err := execute("state", "--config", cfgPath, "-o", "yaml"); err != nil {
		t.Errorf("state -o yaml failed: %v", err)
	}
	if err := execute("state", "--config", cfgPath, "-o", "xml"); err == nil {
		t.Error("Expected an unsupported format error")
	}
	stateOutput = "json"
}

// shareFakeCloud makes every command of the test talk to one fake provider
func shareFakeCloud(t *testing.T, cfgPath string) *provisioning.FakeClient {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	client, err := provisioning.NewClient(context.Background(), *cfg)
	if err != nil {
		t.Fatal(err)
	}
	newProviderClient = func(context.Context, config.Config) (provisioning.Client, error) {
		return client, nil
	}
	t.Cleanup(func() { newProviderClient = provisioning.NewClient })
	return client.(*provisioning.FakeClient)
}

func TestImageRetryAfterInstanceIsGone(t *testing.T) {
	dir, cfgPath := writeConfig(t)
	statePath := filepath.Join(dir, "state.json")
	cloud := shareFakeCloud(t, cfgPath)

	if err := execute("keygen", "--config", cfgPath); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if err := execute("up", "--config", cfgPath, "--distro", "centos7", "--zone", "us-central1-f"); err != nil {
		t.Fatalf("up failed: %v", err)
	}
	saved, err := state.NewFileStore().Load(context.Background(), statePath)
	if err != nil {
		t.Fatal(err)
	}

	// an earlier image run deleted the instance before its image insert failed
	if _, err := cloud.DeleteInstance(context.Background(), "fake-project", saved.Zone, saved.InstanceName); err != nil {
		t.Fatal(err)
	}

	if err := execute("image", "--config", cfgPath, "--name", "img-1"); err != nil {
		t.Fatalf("image failed: %v", err)
	}

	found := false
	for _, img := range cloud.Images("fake-project") {
		if img.Name == "img-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected img-1 to be created from the kept disk, got %v", cloud.Images("fake-project"))
	}
	if _, err := state.NewFileStore().Load(context.Background(), statePath); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("Expected the state record to be removed after imaging, got %v", err)
	}
	imageName = ""
}
