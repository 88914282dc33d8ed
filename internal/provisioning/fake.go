package provisioning

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type fakeInstance struct {
	info InstanceInfo
}

// FakeClient is an in-memory Client for tests and dry runs. Mutations take
// effect immediately; the operations they return report the scripted status
// sequence (DONE once the script is exhausted).
type FakeClient struct {
	mu sync.Mutex

	instances map[string]*fakeInstance // by name
	disks     map[string]string        // disk name -> zone
	images    map[string][][]Image     // project -> pages
	ops       map[string]*Operation

	statusScript []string
	opFailures   map[OperationKind]string
	callErrors   map[string]error
	calls        map[string]int
	seq          int
	now          func() time.Time
}

// NewFakeClient returns an empty fake provider
func NewFakeClient() *FakeClient {
	return &FakeClient{
		instances:  make(map[string]*fakeInstance),
		disks:      make(map[string]string),
		images:     make(map[string][][]Image),
		ops:        make(map[string]*Operation),
		opFailures: make(map[OperationKind]string),
		callErrors: make(map[string]error),
		calls:      make(map[string]int),
		now:        time.Now,
	}
}

// AddInstance registers an existing instance
func (f *FakeClient) AddInstance(zone, name, status, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = &fakeInstance{info: InstanceInfo{
		ID:     fmt.Sprintf("fake-%s", name),
		IP:     ip,
		Name:   name,
		Zone:   zone,
		Status: status,
	}}
	f.disks[name] = zone
}

// SetInstanceStatus changes the status of a registered instance
func (f *FakeClient) SetInstanceStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		inst.info.Status = status
	}
}

// AddImagePage appends one page of images to a project's listing
func (f *FakeClient) AddImagePage(project string, images ...Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[project] = append(f.images[project], images)
}

// ScriptOperationStatuses sets the statuses successive GetOperation calls
// report, across all operations
func (f *FakeClient) ScriptOperationStatuses(statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusScript = append([]string(nil), statuses...)
}

// FailOperations makes DONE snapshots of operations of kind carry msg
func (f *FakeClient) FailOperations(kind OperationKind, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opFailures[kind] = msg
}

// FailCall makes every call of method (e.g. "DeleteInstance") return err
func (f *FakeClient) FailCall(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callErrors[method] = err
}

// Calls returns how often method was called
func (f *FakeClient) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// HasDisk reports whether a boot disk named name exists
func (f *FakeClient) HasDisk(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.disks[name]
	return ok
}

// Images returns every image of project, in listing order
func (f *FakeClient) Images(project string) []Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Image
	for _, page := range f.images[project] {
		out = append(out, page...)
	}
	return out
}

func (f *FakeClient) enter(method string) error {
	f.calls[method]++
	return f.callErrors[method]
}

func (f *FakeClient) newOperation(kind OperationKind, scope OperationScope, project, zone, target string) *Operation {
	f.seq++
	op := &Operation{
		Name:    fmt.Sprintf("operation-%d", f.seq),
		Kind:    kind,
		Scope:   scope,
		Project: project,
		Zone:    zone,
		Target:  target,
		Status:  OperationPending,
	}
	f.ops[op.Name] = op
	copied := *op
	return &copied
}

func (f *FakeClient) GetInstance(ctx context.Context, project, zone, name string) (*InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetInstance"); err != nil {
		return nil, err
	}
	inst, ok := f.instances[name]
	if !ok {
		return nil, notFound("instances.get", name)
	}
	info := inst.info
	return &info, nil
}

func (f *FakeClient) CreateInstance(ctx context.Context, spec InstanceSpec) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateInstance"); err != nil {
		return nil, err
	}
	if _, ok := f.instances[spec.Name]; ok {
		return nil, &CallError{Op: "instances.insert", Resource: spec.Name, Code: 409, Err: fmt.Errorf("instance %s already exists", spec.Name)}
	}
	f.instances[spec.Name] = &fakeInstance{info: InstanceInfo{
		ID:     fmt.Sprintf("fake-%s", spec.Name),
		IP:     fmt.Sprintf("10.0.0.%d", len(f.instances)+1),
		Name:   spec.Name,
		Zone:   spec.Zone,
		Status: StatusRunning,
	}}
	f.disks[spec.Name] = spec.Zone
	return f.newOperation(OpInsert, ScopeZone, spec.Project, spec.Zone, spec.Name), nil
}

func (f *FakeClient) StartInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	return f.transition("StartInstance", OpStart, project, zone, name, StatusRunning)
}

func (f *FakeClient) StopInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	return f.transition("StopInstance", OpStop, project, zone, name, StatusTerminated)
}

func (f *FakeClient) DeleteInstance(ctx context.Context, project, zone, name string) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteInstance"); err != nil {
		return nil, err
	}
	if _, ok := f.instances[name]; !ok {
		return nil, notFound("instances.delete", name)
	}
	delete(f.instances, name)
	return f.newOperation(OpDelete, ScopeZone, project, zone, name), nil
}

func (f *FakeClient) transition(method string, kind OperationKind, project, zone, name, status string) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(method); err != nil {
		return nil, err
	}
	inst, ok := f.instances[name]
	if !ok {
		return nil, notFound(method, name)
	}
	inst.info.Status = status
	return f.newOperation(kind, ScopeZone, project, zone, name), nil
}

func (f *FakeClient) CreateImage(ctx context.Context, project string, spec ImageSpec) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateImage"); err != nil {
		return nil, err
	}
	if _, ok := f.disks[spec.SourceDisk]; !ok {
		return nil, notFound("images.insert", spec.SourceDisk)
	}
	img := Image{
		Name:      spec.Name,
		SelfLink:  fmt.Sprintf("projects/%s/global/images/%s", project, spec.Name),
		CreatedAt: f.now().UTC().Format(time.RFC3339),
	}
	pages := f.images[project]
	if len(pages) == 0 {
		pages = append(pages, nil)
	}
	pages[0] = append(pages[0], img)
	f.images[project] = pages
	return f.newOperation(OpImage, ScopeGlobal, project, "", spec.Name), nil
}

func (f *FakeClient) GetOperation(ctx context.Context, op *Operation) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetOperation"); err != nil {
		return nil, err
	}
	stored, ok := f.ops[op.Name]
	if !ok {
		return nil, notFound("operations.get", op.Name)
	}

	status := OperationDone
	if len(f.statusScript) > 0 {
		status = f.statusScript[0]
		f.statusScript = f.statusScript[1:]
	}
	stored.Status = status
	if status == OperationDone {
		stored.Error = f.opFailures[stored.Kind]
	}
	latest := *stored
	return &latest, nil
}

// ListImages returns the scripted page addressed by pageToken, keeping only
// names that start with nameFilter. Tokens are page indexes.
func (f *FakeClient) ListImages(ctx context.Context, project, nameFilter, pageToken string) (*ImagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListImages"); err != nil {
		return nil, err
	}

	pages := f.images[project]
	idx := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n >= len(pages) {
			return nil, &CallError{Op: "images.list", Resource: project, Code: 400, Err: fmt.Errorf("bad page token %q", pageToken)}
		}
		idx = n
	}

	page := &ImagePage{}
	if idx < len(pages) {
		for _, img := range pages[idx] {
			if strings.HasPrefix(img.Name, nameFilter) {
				page.Items = append(page.Items, img)
			}
		}
		if idx+1 < len(pages) {
			page.NextPageToken = strconv.Itoa(idx + 1)
		}
	}
	return page, nil
}

// InstanceNames lists the live instances, sorted
func (f *FakeClient) InstanceNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.instances))
	for name := range f.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
