package instance

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"cislave/internal/config"
	"cislave/internal/provisioning"
	"cislave/internal/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingReadiness struct {
	hosts []string
	err   error
}

func (r *recordingReadiness) WaitReady(ctx context.Context, host string) error {
	r.hosts = append(r.hosts, host)
	return r.err
}

func testInstanceConfig() config.InstanceConfig {
	return config.InstanceConfig{
		Cloud:       config.CloudFake,
		Project:     "ci",
		MachineType: "n1-standard-2",
		Username:    "jenkins",
		DiskSizeGB:  10,
		Distributions: map[config.Distribution]config.DistributionConfig{
			config.Ubuntu1404: {
				Description:      "Ubuntu 14.04 build slave",
				InstanceName:     "ubuntu1404-slave",
				BaseImagePrefix:  "ubuntu-1404",
				BaseImageProject: "ubuntu-os-cloud",
			},
			config.Centos7: {
				Description:      "CentOS 7 build slave",
				InstanceName:     "centos7-slave",
				BaseImagePrefix:  "centos-7",
				BaseImageProject: "centos-cloud",
			},
		},
	}
}

var _ = Describe("Instance lifecycle", func() {
	const zone = "us-central1-f"

	var (
		ctx       context.Context
		client    *provisioning.FakeClient
		readiness *recordingReadiness
		factory   *Factory
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = provisioning.NewFakeClient()
		client.AddImagePage("ubuntu-os-cloud", provisioning.Image{
			Name:      "ubuntu-1404-trusty-v20150101",
			SelfLink:  "projects/ubuntu-os-cloud/global/images/ubuntu-1404-trusty-v20150101",
			CreatedAt: "2015-01-01T00:00:00Z",
		})
		readiness = &recordingReadiness{}

		poller := NewPoller(client, config.PollerConfig{})
		poller.sleep = func(context.Context, time.Duration) error { return nil }

		factory = &Factory{
			Config:    testInstanceConfig(),
			Client:    client,
			Readiness: readiness,
			Poller:    poller,
			PublicKey: "ssh-rsa AAAA jenkins",
		}
	})

	Context("creating from config", func() {
		It("should provision, assign network and become running", func() {
			inst, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)
			Expect(err).NotTo(HaveOccurred())

			st := inst.State()
			Expect(st.InstanceName).To(HavePrefix("ubuntu1404-slave-"))
			Expect(st.Distribution).To(Equal("ubuntu1404"))
			Expect(st.Zone).To(Equal(zone))
			Expect(st.IPAddress).NotTo(BeEmpty())
			Expect(inst.Phase()).To(Equal(PhaseRunning))
			Expect(readiness.hosts).To(Equal([]string{st.IPAddress}))
			Expect(client.Calls("CreateInstance")).To(Equal(1))
		})

		It("should give every instance a distinct name", func() {
			first, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)
			Expect(err).NotTo(HaveOccurred())
			second, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.State().InstanceName).NotTo(Equal(second.State().InstanceName))
		})

		It("should fail with NoImageFoundError when no base image matches", func() {
			_, err := factory.CreateFromConfig(ctx, config.Centos7, zone)

			var noImage *NoImageFoundError
			Expect(errors.As(err, &noImage)).To(BeTrue())
			Expect(client.Calls("CreateInstance")).To(BeZero())
		})

		It("should fail with ProvisioningError when the insert operation fails", func() {
			client.FailOperations(provisioning.OpInsert, "ZONE_RESOURCE_POOL_EXHAUSTED")

			_, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)

			var provErr *ProvisioningError
			Expect(errors.As(err, &provErr)).To(BeTrue())
			Expect(provErr.Status).To(Equal(provisioning.OperationDone))
			Expect(provErr.Error()).To(ContainSubstring("ZONE_RESOURCE_POOL_EXHAUSTED"))
			Expect(provErr.Instance).To(HavePrefix("ubuntu1404-slave-"))
			Expect(readiness.hosts).To(BeEmpty())
		})

		It("should fail with ProvisioningError when the insert never finishes", func() {
			pending := make([]string, 100)
			for i := range pending {
				pending[i] = provisioning.OperationPending
			}
			client.ScriptOperationStatuses(pending...)
			clock := time.Unix(0, 0)
			factory.Poller.now = func() time.Time { return clock }
			factory.Poller.sleep = func(_ context.Context, d time.Duration) error {
				clock = clock.Add(d)
				return nil
			}

			_, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)

			var provErr *ProvisioningError
			Expect(errors.As(err, &provErr)).To(BeTrue())
			Expect(provErr.Status).To(Equal(provisioning.OperationPending))
		})

		It("should report readiness failures and hand back the created instance", func() {
			readiness.err = errors.New("connection refused")

			inst, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)
			Expect(err).To(MatchError(ContainSubstring("not reachable")))
			Expect(inst).NotTo(BeNil())
			Expect(inst.Phase()).To(Equal(PhaseNetworkAssigned))

			Expect(inst.Destroy(ctx)).To(Succeed())
			Expect(client.InstanceNames()).To(BeEmpty())
		})

		It("should not hand back an instance when the insert call itself fails", func() {
			client.FailCall("CreateInstance", errors.New("quota exceeded"))

			inst, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)
			Expect(err).To(HaveOccurred())
			Expect(inst).To(BeNil())
		})
	})

	Context("reattaching from saved state", func() {
		var saved state.State

		BeforeEach(func() {
			saved = state.State{
				InstanceName: "ubuntu1404-slave-1234",
				Distribution: "ubuntu1404",
				Zone:         zone,
				IPAddress:    "198.51.100.1",
			}
		})

		It("should not start a running instance and should refresh its address", func() {
			client.AddInstance(zone, saved.InstanceName, provisioning.StatusRunning, "203.0.113.9")

			inst, err := factory.CreateFromSavedState(ctx, saved)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Calls("StartInstance")).To(BeZero())
			Expect(inst.State().IPAddress).To(Equal("203.0.113.9"))
			Expect(inst.Phase()).To(Equal(PhaseRunning))
			Expect(saved.IPAddress).To(Equal("198.51.100.1"))
		})

		It("should start a terminated instance exactly once", func() {
			client.AddInstance(zone, saved.InstanceName, provisioning.StatusTerminated, "203.0.113.10")

			inst, err := factory.CreateFromSavedState(ctx, saved)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Calls("StartInstance")).To(Equal(1))
			Expect(inst.Phase()).To(Equal(PhaseRunning))
		})

		It("should fail with InstanceNotFoundError when the instance is gone", func() {
			_, err := factory.CreateFromSavedState(ctx, saved)

			var notFound *InstanceNotFoundError
			Expect(errors.As(err, &notFound)).To(BeTrue())
			Expect(notFound.Instance).To(Equal(saved.InstanceName))
			Expect(err.Error()).To(ContainSubstring("state record"))

			var unexpected *UnexpectedInstanceStateError
			Expect(errors.As(err, &unexpected)).To(BeFalse())
		})

		It("should fail with UnexpectedInstanceStateError for other statuses", func() {
			client.AddInstance(zone, saved.InstanceName, provisioning.StatusStopping, "")

			_, err := factory.CreateFromSavedState(ctx, saved)

			var unexpected *UnexpectedInstanceStateError
			Expect(errors.As(err, &unexpected)).To(BeTrue())
			Expect(unexpected.Status).To(Equal(provisioning.StatusStopping))
			Expect(err.Error()).To(ContainSubstring("provider console"))

			var notFound *InstanceNotFoundError
			Expect(errors.As(err, &notFound)).To(BeFalse())
			Expect(client.Calls("StartInstance")).To(BeZero())
		})

		It("should refuse to reattach while the instance is still staging", func() {
			client.AddInstance(zone, saved.InstanceName, provisioning.StatusRunning, "203.0.113.11")
			client.SetInstanceStatus(saved.InstanceName, provisioning.StatusStaging)

			_, err := factory.CreateFromSavedState(ctx, saved)

			var unexpected *UnexpectedInstanceStateError
			Expect(errors.As(err, &unexpected)).To(BeTrue())
			Expect(unexpected.Status).To(Equal(provisioning.StatusStaging))
			Expect(readiness.hosts).To(BeEmpty())
		})

		It("should image the kept disk of a vanished instance bound from state", func() {
			client.AddInstance(zone, saved.InstanceName, provisioning.StatusRunning, "203.0.113.12")
			_, err := client.DeleteInstance(ctx, "ci", zone, saved.InstanceName)
			Expect(err).NotTo(HaveOccurred())

			inst, err := factory.FromState(saved)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Calls("GetInstance")).To(BeZero())

			name, err := inst.CreateImage(ctx, "ci-slave-ubuntu1404-5")
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("ci-slave-ubuntu1404-5"))
			Expect(client.Images("ci")).To(ContainElement(HaveField("Name", "ci-slave-ubuntu1404-5")))
		})

		It("should propagate unknown lookup errors unchanged", func() {
			boom := errors.New("permission denied")
			client.FailCall("GetInstance", boom)

			_, err := factory.CreateFromSavedState(ctx, saved)
			Expect(err).To(MatchError(boom))
		})

		It("should reject an incomplete state record", func() {
			saved.Zone = ""
			_, err := factory.CreateFromSavedState(ctx, saved)
			Expect(err).To(HaveOccurred())
			Expect(client.Calls("GetInstance")).To(BeZero())
		})
	})

	Context("operating on a running instance", func() {
		var inst *Instance

		BeforeEach(func() {
			var err error
			inst, err = factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should stop the instance on Down", func() {
			Expect(inst.Down(ctx)).To(Succeed())
			Expect(inst.Phase()).To(Equal(PhaseStopped))

			info, err := client.GetInstance(ctx, "ci", zone, inst.State().InstanceName)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Status).To(Equal(provisioning.StatusTerminated))
		})

		It("should delete the instance but keep its disk on Destroy", func() {
			Expect(inst.Destroy(ctx)).To(Succeed())
			Expect(inst.Phase()).To(Equal(PhaseDestroyed))
			Expect(client.InstanceNames()).To(BeEmpty())
			Expect(client.HasDisk(inst.State().InstanceName)).To(BeTrue())
		})

		It("should return OperationFailedError when the provider reports a failure", func() {
			client.FailOperations(provisioning.OpStop, "RESOURCE_NOT_READY")

			err := inst.Down(ctx)
			var opErr *OperationFailedError
			Expect(errors.As(err, &opErr)).To(BeTrue())
			Expect(opErr.Operation.Error).To(Equal("RESOURCE_NOT_READY"))
		})

		It("should destroy the instance and image its disk", func() {
			name, err := inst.CreateImage(ctx, "ci-slave-ubuntu1404-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("ci-slave-ubuntu1404-1"))
			Expect(inst.Phase()).To(Equal(PhaseImaging))
			Expect(client.Calls("DeleteInstance")).To(Equal(1))
			Expect(client.Images("ci")).To(ContainElement(HaveField("Name", "ci-slave-ubuntu1404-1")))
		})

		It("should still image when the instance is already absent", func() {
			_, err := client.DeleteInstance(ctx, "ci", zone, inst.State().InstanceName)
			Expect(err).NotTo(HaveOccurred())

			_, err = inst.CreateImage(ctx, "ci-slave-ubuntu1404-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Calls("CreateImage")).To(Equal(1))
		})

		It("should not image when destroy fails for another reason", func() {
			boom := &provisioning.CallError{Op: "instances.delete", Code: 403, Err: errors.New("forbidden")}
			client.FailCall("DeleteInstance", boom)

			_, err := inst.CreateImage(ctx, "ci-slave-ubuntu1404-3")
			Expect(err).To(MatchError(boom))
			Expect(client.Calls("CreateImage")).To(BeZero())
		})

		It("should fail imaging when the image operation fails", func() {
			client.FailOperations(provisioning.OpImage, "QUOTA_EXCEEDED")

			_, err := inst.CreateImage(ctx, "ci-slave-ubuntu1404-4")
			var opErr *OperationFailedError
			Expect(errors.As(err, &opErr)).To(BeTrue())
		})
	})

	Context("persisting state", func() {
		It("should round-trip the projected state through the file store", func() {
			inst, err := factory.CreateFromConfig(ctx, config.Ubuntu1404, zone)
			Expect(err).NotTo(HaveOccurred())

			store := state.NewFileStore()
			path := filepath.Join(GinkgoT().TempDir(), state.DefaultFileName)
			Expect(store.Save(ctx, path, inst.State())).To(Succeed())

			loaded, err := store.Load(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(inst.State()))

			reattached, err := factory.CreateFromSavedState(ctx, loaded)
			Expect(err).NotTo(HaveOccurred())
			Expect(reattached.State().InstanceName).To(Equal(loaded.InstanceName))
			Expect(client.Calls("StartInstance")).To(BeZero())
		})
	})
})
