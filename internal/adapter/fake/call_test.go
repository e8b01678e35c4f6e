package fake

import (
	"reflect"
	"testing"
)

func TestCallRecorderFilters(t *testing.T) {
	var r CallRecorder
	r.record("GetVM", "i1")
	r.record("UpdateService", "svc", "img")
	r.record("GetVM", "i2")

	if got := len(r.Calls()); got != 3 {
		t.Fatalf("len(Calls()) = %d, want 3", got)
	}
	vms := r.Calls("GetVM")
	if len(vms) != 2 || vms[1].Args[0] != "i2" || vms[1].Seq != 2 {
		t.Errorf("Calls(GetVM) = %+v", vms)
	}
	if got := len(r.Calls("GetVM", "UpdateService")); got != 3 {
		t.Errorf("len(Calls(GetVM, UpdateService)) = %d, want 3", got)
	}
	if got := r.Calls("DeleteInstance"); len(got) != 0 {
		t.Errorf("Calls(DeleteInstance) = %+v, want none", got)
	}
}

func TestCallRecorderMethodsAndReset(t *testing.T) {
	var r CallRecorder
	r.record("Acquire", "boom")
	r.record("Get")

	if got, want := r.Methods(), []string{"Acquire", "Get"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Methods() = %v, want %v", got, want)
	}
	r.Reset()
	if got := len(r.Calls()); got != 0 {
		t.Errorf("len(Calls()) after Reset = %d, want 0", got)
	}
}
