package procedure_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"stagehand"
	"stagehand/internal/adapter/fake"
	"stagehand/internal/instance"
	"stagehand/internal/pipeline"
	"stagehand/internal/poll"
	"stagehand/internal/procedure"
	"stagehand/internal/remote"
)

var newImage = stagehand.Image{UUID: "img-new", Name: "manta-manatee", Version: "20261017"}

func newDeps(exec *fake.Executor, locks *fake.LockStore) (procedure.Deps, *fake.Timer) {
	timer := fake.NewTimer(fake.NewClock(time.Unix(0, 0)))
	policy := poll.Policy{Interval: 5 * time.Second, MaxAttempts: 10}
	return procedure.Deps{
		Exec:   exec,
		Locks:  locks,
		Poller: poll.New(poll.WithTimer(timer.Factory())),
		Policy: procedure.Policies{Shard: policy, Ensemble: policy, InstanceBoot: policy, ServiceErrors: policy},
	}, timer
}

// filter keeps the commands containing any of the markers, in order.
// Host tool checks are left out.
func filter(cmds []string, markers ...string) []string {
	var out []string
	for _, cmd := range cmds {
		if strings.Contains(cmd, ": sh -c") {
			continue
		}
		for _, m := range markers {
			if strings.Contains(cmd, m) {
				out = append(out, cmd)
				break
			}
		}
	}
	return out
}

var (
	primary = stagehand.Member{Host: "cn-1", Instance: "p1"}
	sync1   = stagehand.Member{Host: "cn-2", Instance: "s1"}
)

func TestUpgradeShardOrder(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	cluster := fake.NewShardCluster(topo)
	cluster.Install(exec)
	d, _ := newDeps(exec, fake.NewLockStore())

	summary, err := procedure.UpgradeShard(context.Background(), d, procedure.ShardUpgrade{
		Shard:    topo,
		Image:    newImage,
		LeaderIP: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("UpgradeShard() error = %v", err)
	}

	want := []string{
		"cn-2: svcadm -z s1 disable -s manatee-sitter",
		"cn-1: svcadm -z p1 disable -s manatee-sitter",
		"cn-2: /usr/sbin/vmadm reprovision s1",
		"cn-1: /usr/sbin/vmadm reprovision p1",
		"cn-1: svcadm -z p1 enable -s manatee-sitter",
		"cn-2: svcadm -z s1 enable -s manatee-sitter",
	}
	if got := filter(exec.Commands(), "svcadm", "vmadm reprovision"); !reflect.DeepEqual(got, want) {
		t.Errorf("commands:\n got  %v\n want %v", got, want)
	}
	for _, cmd := range filter(exec.Commands(), "zlogin") {
		if !strings.Contains(cmd, "-z 10.0.0.9:2181") {
			t.Errorf("status command %q does not go through the leader override", cmd)
		}
	}
	if !cluster.Enabled("p1") || !cluster.Enabled("s1") {
		t.Error("shard left disabled")
	}
	if !summary.Changed {
		t.Error("Changed = false, want true")
	}
}

func TestUpgradeShardRefusesWhileLocked(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	fake.NewShardCluster(topo).Install(exec)
	locks := fake.NewLockStore()
	if err := locks.Acquire(context.Background(), "reprovision of p1 failed"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	d, _ := newDeps(exec, locks)

	_, err := procedure.UpgradeShard(context.Background(), d, procedure.ShardUpgrade{Shard: topo, Image: newImage})
	var re *pipeline.RunError
	if !errors.As(err, &re) || re.Step != "check-lock" {
		t.Fatalf("UpgradeShard() error = %v, want failure in check-lock", err)
	}
	var pe *stagehand.PreconditionError
	if !errors.As(err, &pe) || !strings.Contains(pe.Msg, "reprovision of p1 failed") {
		t.Errorf("error = %v, want precondition naming the held lock", err)
	}
	if got := exec.Commands(); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
}

func TestUpgradeShardReprovisionFailureTakesLock(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	cluster := fake.NewShardCluster(topo)
	cluster.Install(exec)
	exec.On("cn-1", "/usr/sbin/vmadm reprovision p1", fake.Response{ExitCode: 1, Stderr: "image not found"})
	locks := fake.NewLockStore()
	d, _ := newDeps(exec, locks)
	req := procedure.ShardUpgrade{Shard: topo, Image: newImage, LeaderIP: "10.0.0.9"}

	_, err := procedure.UpgradeShard(context.Background(), d, req)
	var re *pipeline.RunError
	if !errors.As(err, &re) || re.Step != "reprovision-members" {
		t.Fatalf("UpgradeShard() error = %v, want failure in reprovision-members", err)
	}
	run := re.Context.(*procedure.ShardRun)
	if !reflect.DeepEqual(run.Reprovisioned, []string{"s1"}) {
		t.Errorf("Reprovisioned = %v, want [s1]", run.Reprovisioned)
	}
	if got := filter(exec.Commands(), "enable"); len(got) != 0 {
		t.Errorf("enable commands = %v, want none", got)
	}
	l, held, _ := locks.Get(context.Background())
	if !held || !strings.Contains(l.Message, "p1") {
		t.Errorf("lock = %+v (held %v), want it to name p1", l, held)
	}

	// The next attempt stops before touching the shard.
	before := len(exec.Commands())
	if _, err := procedure.UpgradeShard(context.Background(), d, req); err == nil {
		t.Fatal("second UpgradeShard() error = nil, want lock failure")
	}
	if got := len(exec.Commands()); got != before {
		t.Errorf("second run issued %d commands, want 0", got-before)
	}
}

func TestUpgradeShardFindsLeaderThroughEnsemble(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	fake.NewShardCluster(topo).Install(exec)
	d, _ := newDeps(exec, fake.NewLockStore())
	p := fake.NewProber()
	p.SetModes("10.0.0.1", fake.ProbeResult{Mode: stagehand.ModeFollower})
	p.SetModes("10.0.0.2", fake.ProbeResult{Mode: stagehand.ModeLeader})
	d.Prober = p

	_, err := procedure.UpgradeShard(context.Background(), d, procedure.ShardUpgrade{
		Shard:    topo,
		Image:    newImage,
		Ensemble: []string{"10.0.0.1", "10.0.0.2"},
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("UpgradeShard() error = %v", err)
	}
	status := filter(exec.Commands(), "zlogin")
	if len(status) == 0 || !strings.Contains(status[0], "-z 10.0.0.2:2181") {
		t.Errorf("status commands = %v, want them to use leader 10.0.0.2:2181", status)
	}
}

func TestUpgradeShardDryRunChangesNothing(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	fake.NewShardCluster(topo).Install(exec)
	d, _ := newDeps(exec, fake.NewLockStore())

	summary, err := procedure.UpgradeShard(context.Background(), d, procedure.ShardUpgrade{
		Shard: topo, Image: newImage, LeaderIP: "10.0.0.9", DryRun: true,
	})
	if err != nil {
		t.Fatalf("UpgradeShard() error = %v", err)
	}
	if got := filter(exec.Commands(), "svcadm", "vmadm", "imgadm import"); len(got) != 0 {
		t.Errorf("mutating commands = %v, want none", got)
	}
	if summary.Changed || !summary.DryRun {
		t.Errorf("Changed = %v, DryRun = %v, want unchanged dry run", summary.Changed, summary.DryRun)
	}
}

func TestUpgradeShardAddsMissingDelegateDataset(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	fake.NewShardCluster(topo).Install(exec)
	exec.On("cn-1", "/usr/sbin/zfs list -H -o name zones/p1/data", fake.Response{ExitCode: 1, Stderr: "dataset does not exist"})
	d, _ := newDeps(exec, fake.NewLockStore())

	_, err := procedure.UpgradeShard(context.Background(), d, procedure.ShardUpgrade{Shard: topo, Image: newImage, LeaderIP: "10.0.0.9"})
	if err != nil {
		t.Fatalf("UpgradeShard() error = %v", err)
	}
	want := []string{
		"cn-2: /usr/sbin/vmadm reprovision s1",
		"cn-1: /usr/sbin/zfs create zones/p1/data",
		"cn-1: /usr/sbin/zfs set zoned=on zones/p1/data",
		"cn-1: /usr/sbin/zonecfg -z p1 add dataset; set name=zones/p1/data; end",
		"cn-1: /usr/sbin/vmadm reprovision p1",
	}
	if got := filter(exec.Commands(), "zfs create", "zfs set", "zonecfg", "vmadm reprovision"); !reflect.DeepEqual(got, want) {
		t.Errorf("commands:\n got  %v\n want %v", got, want)
	}
}

func TestUpgradeShardDeposedIsTerminal(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	cluster := fake.NewShardCluster(topo)
	cluster.Install(exec)
	cluster.SetDeposed(true)
	d, _ := newDeps(exec, fake.NewLockStore())

	_, err := procedure.UpgradeShard(context.Background(), d, procedure.ShardUpgrade{Shard: topo, Image: newImage})
	var term *stagehand.TerminalError
	if !errors.As(err, &term) || term.Reason != stagehand.ReasonDeposed {
		t.Fatalf("UpgradeShard() error = %v, want deposed TerminalError", err)
	}
	if got := filter(exec.Commands(), "svcadm", "vmadm"); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
}

var ensembleNodes = []procedure.EnsembleNode{
	{Instance: stagehand.Instance{UUID: "z1", Service: "binder", Server: "cn-1"}, Addr: "10.0.0.1"},
	{Instance: stagehand.Instance{UUID: "z2", Service: "binder", Server: "cn-2"}, Addr: "10.0.0.2"},
	{Instance: stagehand.Instance{UUID: "z3", Service: "binder", Server: "cn-3"}, Addr: "10.0.0.3"},
}

func healthyEnsemble(leader string) *fake.Prober {
	p := fake.NewProber()
	for _, n := range ensembleNodes {
		p.SetRuok(n.Addr, fake.ProbeResult{OK: true})
		mode := stagehand.ModeFollower
		if n.Addr == leader {
			mode = stagehand.ModeLeader
		}
		p.SetModes(n.Addr, fake.ProbeResult{Mode: mode})
	}
	return p
}

func TestUpgradeEnsembleLeaderLast(t *testing.T) {
	exec := fake.NewExecutor()
	d, _ := newDeps(exec, fake.NewLockStore())
	d.Prober = healthyEnsemble("10.0.0.2")

	_, err := procedure.UpgradeEnsemble(context.Background(), d, procedure.EnsembleUpgrade{Nodes: ensembleNodes, Image: newImage})
	if err != nil {
		t.Fatalf("UpgradeEnsemble() error = %v", err)
	}
	want := []string{
		"cn-1: /usr/sbin/vmadm reprovision z1",
		"cn-3: /usr/sbin/vmadm reprovision z3",
		"cn-2: /usr/sbin/vmadm reprovision z2",
	}
	if got := filter(exec.Commands(), "vmadm reprovision"); !reflect.DeepEqual(got, want) {
		t.Errorf("reprovision order:\n got  %v\n want %v", got, want)
	}
}

func TestUpgradeEnsembleRequiresUniqueLeader(t *testing.T) {
	exec := fake.NewExecutor()
	d, _ := newDeps(exec, fake.NewLockStore())
	p := healthyEnsemble("10.0.0.2")
	p.SetModes("10.0.0.3", fake.ProbeResult{Mode: stagehand.ModeLeader})
	d.Prober = p

	_, err := procedure.UpgradeEnsemble(context.Background(), d, procedure.EnsembleUpgrade{Nodes: ensembleNodes, Image: newImage})
	var re *pipeline.RunError
	if !errors.As(err, &re) || re.Step != "check-quorum" {
		t.Fatalf("UpgradeEnsemble() error = %v, want failure in check-quorum", err)
	}
	if got := filter(exec.Commands(), "vmadm"); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
}

func TestUpgradeEnsembleRerunSkipsUpgradedMembers(t *testing.T) {
	cat := fake.NewCatalog()
	for _, n := range ensembleNodes {
		inst := n.Instance
		inst.Image = "img-old"
		cat.AddInstance(inst, true)
	}
	exec := fake.NewExecutor()
	cat.Install(exec)
	d, _ := newDeps(exec, fake.NewLockStore())
	d.Prober = healthyEnsemble("10.0.0.2")
	req := procedure.EnsembleUpgrade{Nodes: ensembleNodes, Image: newImage, VMs: cat}

	first, err := procedure.UpgradeEnsemble(context.Background(), d, req)
	if err != nil {
		t.Fatalf("first UpgradeEnsemble() error = %v", err)
	}
	if !first.Changed {
		t.Error("first run Changed = false, want true")
	}
	if got := len(filter(exec.Commands(), "vmadm reprovision")); got != 3 {
		t.Fatalf("first run reprovisions = %d, want 3", got)
	}

	second, err := procedure.UpgradeEnsemble(context.Background(), d, req)
	if err != nil {
		t.Fatalf("second UpgradeEnsemble() error = %v", err)
	}
	if got := len(filter(exec.Commands(), "vmadm reprovision")); got != 3 {
		t.Errorf("reprovisions after second run = %d, want 3", got)
	}
	if second.Changed {
		t.Error("second run Changed = true, want false")
	}
}

func TestUpgradeEnsembleResumesAfterPartialRun(t *testing.T) {
	cat := fake.NewCatalog()
	for i, n := range ensembleNodes {
		inst := n.Instance
		inst.Image = "img-old"
		if i == 0 {
			inst.Image = newImage.UUID
		}
		cat.AddInstance(inst, true)
	}
	exec := fake.NewExecutor()
	d, _ := newDeps(exec, fake.NewLockStore())
	d.Prober = healthyEnsemble("10.0.0.2")

	_, err := procedure.UpgradeEnsemble(context.Background(), d, procedure.EnsembleUpgrade{Nodes: ensembleNodes, Image: newImage, VMs: cat})
	if err != nil {
		t.Fatalf("UpgradeEnsemble() error = %v", err)
	}
	want := []string{
		"cn-3: /usr/sbin/vmadm reprovision z3",
		"cn-2: /usr/sbin/vmadm reprovision z2",
	}
	if got := filter(exec.Commands(), "vmadm reprovision"); !reflect.DeepEqual(got, want) {
		t.Errorf("reprovisions = %v, want %v", got, want)
	}
}

const tmpUUID = "00000001-0000-4000-8000-000000000000"

func newCatalog(instances ...stagehand.Instance) *fake.Catalog {
	cat := fake.NewCatalog()
	cat.AddService(stagehand.Service{UUID: "svc-moray", Name: "moray", ImageUUID: "img-old"})
	cat.AddServer(stagehand.Server{UUID: "cn-1", Hostname: "headnode", Status: "running"})
	for _, inst := range instances {
		cat.AddInstance(inst, true)
	}
	return cat
}

func TestUpgradeInstanceWithTemporaryInstance(t *testing.T) {
	moray0 := stagehand.Instance{UUID: "i1", Alias: "moray0", Service: "moray", Server: "cn-1", Image: "img-old"}
	cat := newCatalog(moray0)
	exec := fake.NewExecutor()
	exec.On("cn-1", "/usr/sbin/vmadm lookup", fake.Response{Stdout: tmpUUID + "\n"})
	d, _ := newDeps(exec, fake.NewLockStore())

	_, err := procedure.UpgradeInstance(context.Background(), d,
		procedure.Catalog{Registry: cat, VMs: cat, Servers: cat},
		procedure.InstanceUpgrade{Service: "moray", Image: newImage},
	)
	if err != nil {
		t.Fatalf("UpgradeInstance() error = %v", err)
	}

	want := []string{
		"cn-1: /usr/sbin/vmadm reprovision i1",
		"cn-1: /usr/sbin/vmadm stop " + tmpUUID,
	}
	if got := filter(exec.Commands(), "vmadm reprovision", "vmadm stop"); !reflect.DeepEqual(got, want) {
		t.Errorf("commands:\n got  %v\n want %v", got, want)
	}
	if got := len(cat.Calls("CreateInstance")); got != 1 {
		t.Errorf("CreateInstance calls = %d, want 1", got)
	}
	if got := cat.Calls("DeleteInstance"); len(got) != 1 {
		t.Errorf("DeleteInstance calls = %v, want one", got)
	}
	if got := cat.Service("moray").ImageUUID; got != newImage.UUID {
		t.Errorf("service image = %q, want %q", got, newImage.UUID)
	}
}

func TestTemporaryInstanceBootsNewImage(t *testing.T) {
	moray0 := stagehand.Instance{UUID: "i1", Alias: "moray0", Service: "moray", Server: "cn-1", Image: "img-old"}
	cat := newCatalog(moray0)
	exec := fake.NewExecutor()
	exec.On("cn-1", "/usr/sbin/vmadm lookup", fake.Response{Stdout: tmpUUID + "\n"})
	d, _ := newDeps(exec, fake.NewLockStore())

	_, err := procedure.UpgradeInstance(context.Background(), d,
		procedure.Catalog{Registry: cat, VMs: cat, Servers: cat},
		procedure.InstanceUpgrade{Service: "moray", Image: newImage},
	)
	if err != nil {
		t.Fatalf("UpgradeInstance() error = %v", err)
	}

	calls := cat.Calls("UpdateService", "CreateInstance")
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want UpdateService then CreateInstance", calls)
	}
	if calls[0].Method != "UpdateService" || calls[1].Method != "CreateInstance" || calls[0].Seq > calls[1].Seq {
		t.Errorf("call order = %s, %s, want UpdateService, CreateInstance", calls[0].Method, calls[1].Method)
	}
	vm, err := cat.GetVM(context.Background(), tmpUUID)
	if err != nil {
		t.Fatalf("GetVM(tmp) error = %v", err)
	}
	if vm.Image != newImage.UUID {
		t.Errorf("temporary instance image = %q, want %q", vm.Image, newImage.UUID)
	}
}

func TestUpgradeSingleInstanceLeavesDNSWhileReprovisioned(t *testing.T) {
	const domain = "moray.coal.example.com"
	moray0 := stagehand.Instance{UUID: "i1", Alias: "moray0", Service: "moray", Server: "cn-1", Image: "img-old"}
	cat := fake.NewCatalog()
	cat.AddService(stagehand.Service{
		UUID: "svc-moray", Name: "moray", ImageUUID: "img-old",
		Metadata: map[string]string{stagehand.UserScriptKey: "#!/bin/bash\nnew"},
	})
	cat.AddServer(stagehand.Server{UUID: "cn-1", Hostname: "headnode", Status: "running"})
	cat.AddInstance(moray0, true)
	cat.EditVM("i1", func(vm *stagehand.VM) {
		vm.IPs = []string{"10.0.0.5"}
		vm.UserScript = "#!/bin/bash\nold"
	})

	exec := fake.NewExecutor()
	exec.On("cn-1", "/usr/sbin/vmadm lookup", fake.Response{Stdout: tmpUUID + "\n"})
	answers := []string{"10.0.0.5\n10.0.0.7\n", "10.0.0.7\n", "10.0.0.5\n10.0.0.7\n"}
	lookups := 0
	exec.Handle("", "dig", func(string, []string, remote.Options) fake.Response {
		a := answers[min(lookups, len(answers)-1)]
		lookups++
		return fake.Response{Stdout: a}
	})
	d, _ := newDeps(exec, fake.NewLockStore())
	d.Resolver = instance.DigResolver{Exec: exec}
	d.RollbackDir = t.TempDir()

	_, err := procedure.UpgradeInstance(context.Background(), d,
		procedure.Catalog{Registry: cat, VMs: cat, Servers: cat},
		procedure.InstanceUpgrade{Service: "moray", Image: newImage, Domain: domain},
	)
	if err != nil {
		t.Fatalf("UpgradeInstance() error = %v", err)
	}

	want := []string{
		"cn-1: svcadm -z i1 disable -s registrar",
		": dig +short " + domain,
		": dig +short " + domain,
		"cn-1: /usr/sbin/vmadm reprovision i1",
		": dig +short " + domain,
	}
	if got := filter(exec.Commands(), "registrar", "dig", "vmadm reprovision"); !reflect.DeepEqual(got, want) {
		t.Errorf("commands:\n got  %v\n want %v", got, want)
	}
	saved, err := os.ReadFile(filepath.Join(d.RollbackDir, "svc-moray.img-new.user-script"))
	if err != nil {
		t.Fatalf("read saved user-script: %v", err)
	}
	if string(saved) != "#!/bin/bash\nold" {
		t.Errorf("saved user-script = %q, want the old one", saved)
	}
}

func TestUpgradeInstanceHAUsesNoTemporaryInstance(t *testing.T) {
	moray0 := stagehand.Instance{UUID: "i1", Alias: "moray0", Service: "moray", Server: "cn-1", Image: "img-old"}
	moray1 := stagehand.Instance{UUID: "i2", Alias: "moray1", Service: "moray", Server: "cn-2", Image: newImage.UUID}
	cat := newCatalog(moray0, moray1)
	exec := fake.NewExecutor()
	d, _ := newDeps(exec, fake.NewLockStore())

	_, err := procedure.UpgradeInstance(context.Background(), d,
		procedure.Catalog{Registry: cat, VMs: cat, Servers: cat},
		procedure.InstanceUpgrade{Service: "moray", Image: newImage, Domain: "moray.coal.example.com"},
	)
	if err != nil {
		t.Fatalf("UpgradeInstance() error = %v", err)
	}
	if got := filter(exec.Commands(), "registrar", "dig"); len(got) != 0 {
		t.Errorf("DNS commands = %v, want none while another instance serves", got)
	}
	if got := cat.Calls("CreateInstance"); len(got) != 0 {
		t.Errorf("CreateInstance calls = %v, want none", got)
	}
	// moray1 is already on the new image.
	want := []string{"cn-1: /usr/sbin/vmadm reprovision i1"}
	if got := filter(exec.Commands(), "vmadm"); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
	if got := exec.CommandsMatching("svcs -z i1 -x"); len(got) == 0 {
		t.Error("reprovisioned instance was not waited for")
	}
}

func TestUpgradeShardStopsOnMissingTools(t *testing.T) {
	topo := stagehand.Shard{Primary: primary, Sync: &sync1}
	exec := fake.NewExecutor()
	fake.NewShardCluster(topo).Install(exec)
	exec.On("cn-2", "sh -c", fake.Response{ExitCode: 1, Stderr: "zlogin\n"})
	d, _ := newDeps(exec, fake.NewLockStore())

	_, err := procedure.UpgradeShard(context.Background(), d, procedure.ShardUpgrade{Shard: topo, Image: newImage, LeaderIP: "10.0.0.9"})
	var re *pipeline.RunError
	if !errors.As(err, &re) || re.Step != "check-tools" {
		t.Fatalf("UpgradeShard() error = %v, want failure in check-tools", err)
	}
	if got := filter(exec.Commands(), "svcadm", "vmadm", "zlogin p1"); len(got) != 0 {
		t.Errorf("commands = %v, want none", got)
	}
}
