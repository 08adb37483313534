package store

import (
	"testing"
)

func TestResolveAddressStable(t *testing.T) {
	db := testDB(t)

	first, err := db.ResolveAddress("+1555")
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.ResolveAddress("+1555")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("ids differ: %d vs %d", first, second)
	}

	other, err := db.ResolveAddress("+1666")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("distinct addresses share an id")
	}

	addr, err := db.AddressFor(first)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "+1555" {
		t.Errorf("round trip = %q", addr)
	}
}

func TestResolveAddressEmpty(t *testing.T) {
	db := testDB(t)
	if _, err := db.ResolveAddress(""); err == nil {
		t.Error("empty address accepted")
	}
}

func TestRemapRewritesMessages(t *testing.T) {
	db := testDB(t)

	// Same party seen under two identities; each owns messages.
	if _, err := db.InsertInbound(inbound("+old", 1000, "from old")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertInbound(inbound("+new", 2000, "from new")); err != nil {
		t.Fatal(err)
	}

	oldID, _ := db.ResolveAddress("+old")
	newID, _ := db.ResolveAddress("+new")

	if err := db.Remap(oldID, newID); err != nil {
		t.Fatal(err)
	}

	// Both messages end up in the surviving recipient's thread.
	threadID, err := db.ThreadIDFor(newID)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := db.MessagesForThread(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.RecipientID != newID {
			t.Errorf("message %d still owned by old id", m.ID)
		}
	}

	// The superseded identity is gone.
	if _, err := db.AddressFor(oldID); err == nil {
		t.Error("superseded recipient still resolvable")
	}
	if id, err := db.ThreadIDFor(oldID); err != nil || id != 0 {
		t.Errorf("superseded thread still present: %d %v", id, err)
	}
}

func TestRemapDropsCollidingDuplicates(t *testing.T) {
	db := testDB(t)

	// The same message was recorded under both identities: identical
	// dateSent. After remap only one row may remain.
	first, err := db.InsertInbound(inbound("+old", 1000, "dup"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.InsertInbound(inbound("+new", 1000, "dup"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ThreadID == second.ThreadID {
		t.Fatal("expected distinct threads before remap")
	}

	oldID, _ := db.ResolveAddress("+old")
	newID, _ := db.ResolveAddress("+new")
	if err := db.Remap(oldID, newID); err != nil {
		t.Fatal(err)
	}

	threadID, _ := db.ThreadIDFor(newID)
	msgs, err := db.MessagesForThread(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 after dedupe", len(msgs))
	}
}

func TestRemapRewritesMembershipLists(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateGroup(&GroupRecord{
		GroupID: "g1", Fid: 1, Cname: "cname:remap",
		Members: []Address{"+old", "+other"},
		Invited: []Address{"+old"},
	}); err != nil {
		t.Fatal(err)
	}

	oldID, _ := db.ResolveAddress("+old")
	newID, _ := db.ResolveAddress("+new")
	if err := db.Remap(oldID, newID); err != nil {
		t.Fatal(err)
	}

	g, err := db.GroupByFid(1)
	if err != nil {
		t.Fatal(err)
	}
	if containsAddress(g.Members, "+old") || !containsAddress(g.Members, "+new") {
		t.Errorf("members = %v", g.Members)
	}
	if !containsAddress(g.Invited, "+new") {
		t.Errorf("invited = %v", g.Invited)
	}
}

func TestRemapSameIDNoOp(t *testing.T) {
	db := testDB(t)
	rid, _ := db.ResolveAddress("+1555")
	if err := db.Remap(rid, rid); err != nil {
		t.Errorf("self remap = %v", err)
	}
}
