package connector

import "testing"

func TestRegistryReadWriterForMiss(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.ReadWriterFor("unknown-system"); err == nil {
		t.Fatalf("ReadWriterFor() of an unregistered system should error")
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	rw := NewRESTConnector(RESTConfig{SystemID: "sys-a", ListPath: "/items"})
	reg.Register(rw)

	got, err := reg.ReadWriterFor("sys-a")
	if err != nil {
		t.Fatalf("ReadWriterFor() error = %v", err)
	}
	if got.SystemID() != "sys-a" {
		t.Fatalf("ReadWriterFor() returned connector for %q, want sys-a", got.SystemID())
	}
}
