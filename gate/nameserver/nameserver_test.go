package nameserver

import "testing"

func TestAddGetRemove(t *testing.T) {
	ns := New()
	v := Value{Base: 0x1000, CreatorMeta: MakeCreatorMeta(2, false), ResourceID: 3}

	key, err := ns.Add("h", "video-codec", v)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := ns.Get("video-codec")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Base != v.Base || got.CreatorCoreID() != 2 || got.LocalOnly() {
		t.Fatalf("unexpected value: %+v", got)
	}

	if _, err := ns.Add("h", "video-codec", v); err == nil {
		t.Fatalf("expected duplicate name to be rejected")
	}

	if err := ns.RemoveEntry(key); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if _, err := ns.Get("video-codec"); err == nil {
		t.Fatalf("expected Get to fail after RemoveEntry")
	}
}

func TestLocalOnlyFlag(t *testing.T) {
	v := Value{CreatorMeta: MakeCreatorMeta(5, true)}
	if !v.LocalOnly() {
		t.Fatalf("expected LocalOnly to be set")
	}
	if v.CreatorCoreID() != 5 {
		t.Fatalf("expected creator core id 5, got %d", v.CreatorCoreID())
	}
}
