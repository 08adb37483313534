package store

import (
	"errors"
	"testing"
)

func TestGetOrCreateThreadIDIdempotent(t *testing.T) {
	db := testDB(t)

	rid, err := db.ResolveAddress("+1555")
	if err != nil {
		t.Fatal(err)
	}
	first, err := db.GetOrCreateThreadID(rid)
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.GetOrCreateThreadID(rid)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("thread ids differ: %d vs %d", first, second)
	}
}

func TestSetThreadReadReturnsMarkers(t *testing.T) {
	db := testDB(t)

	var threadID int64
	for i, body := range []string{"a", "b", "c"} {
		res, err := db.InsertInbound(inbound("+1555", int64(1000+i), body))
		if err != nil {
			t.Fatal(err)
		}
		threadID = res.ThreadID
	}
	// Non-meaningful messages are marked read but produce no markers.
	timer := inbound("+1555", 2000, "")
	timer.TimerUpdate = true
	if _, err := db.InsertInbound(timer); err != nil {
		t.Fatal(err)
	}

	marked, err := db.SetThreadRead(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 3 {
		t.Fatalf("markers = %d, want 3", len(marked))
	}
	for _, mm := range marked {
		if mm.SyncID.Timestamp < 1000 || mm.SyncID.Timestamp > 1002 {
			t.Errorf("marker timestamp = %d", mm.SyncID.Timestamp)
		}
	}

	thread, err := db.ThreadByID(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if thread.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", thread.UnreadCount)
	}
	if thread.Read != ThreadRead {
		t.Errorf("read state = %v, want READ", thread.Read)
	}

	// Marking an already-read thread returns nothing.
	marked, err = db.SetThreadRead(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 0 {
		t.Errorf("second mark returned %d markers", len(marked))
	}
}

func TestSetThreadReadStartsExpiry(t *testing.T) {
	db := testDB(t)

	msg := inbound("+1555", 1000, "vanishing")
	msg.ExpiresIn = 5000
	res, err := db.InsertInbound(msg)
	if err != nil {
		t.Fatal(err)
	}

	marked, err := db.SetThreadRead(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 1 || marked[0].ExpireStarted == 0 {
		t.Fatalf("marker = %+v, want expiry started", marked)
	}

	m, err := db.MessageByID(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.ExpireStarted == 0 {
		t.Error("expire_started not stamped on read")
	}
}

func TestReleaseChannelExcludedFromMarkers(t *testing.T) {
	db := testDB(t)

	rid, err := db.ResolveAddress("+system")
	if err != nil {
		t.Fatal(err)
	}
	db.SetReleaseChannel(rid)

	res, err := db.InsertInbound(inbound("+system", 1000, "announcement"))
	if err != nil {
		t.Fatal(err)
	}

	marked, err := db.SetThreadRead(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 0 {
		t.Errorf("markers = %d, want 0 for release channel", len(marked))
	}

	// The message is still marked read locally.
	thread, err := db.ThreadByID(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if thread.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", thread.UnreadCount)
	}
}

func TestForcedUnreadSurvivesRecompute(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertInbound(inbound("+1555", 1000, "x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.SetThreadRead(res.ThreadID); err != nil {
		t.Fatal(err)
	}
	if err := db.SetForcedUnread(res.ThreadID); err != nil {
		t.Fatal(err)
	}

	// A recompute with zero unread messages must not clear the flag.
	if err := db.UpdateThread(res.ThreadID, false); err != nil {
		t.Fatal(err)
	}
	thread, err := db.ThreadByID(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if thread.Read != ThreadForcedUnread {
		t.Errorf("read state = %v, want FORCED_UNREAD", thread.Read)
	}
}

func TestPinRanksStayDense(t *testing.T) {
	db := testDB(t)

	var ids []int64
	for _, addr := range []Address{"+1", "+2", "+3"} {
		rid, err := db.ResolveAddress(addr)
		if err != nil {
			t.Fatal(err)
		}
		id, err := db.GetOrCreateThreadID(rid)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := db.PinThreads(ids); err != nil {
		t.Fatal(err)
	}
	for i, id := range ids {
		thread, err := db.ThreadByID(id)
		if err != nil {
			t.Fatal(err)
		}
		if thread.Pinned != i+1 {
			t.Errorf("thread %d rank = %d, want %d", id, thread.Pinned, i+1)
		}
	}

	// Unpinning the middle thread compacts the ranks.
	if err := db.UnpinThread(ids[1]); err != nil {
		t.Fatal(err)
	}
	first, _ := db.ThreadByID(ids[0])
	last, _ := db.ThreadByID(ids[2])
	if first.Pinned != 1 || last.Pinned != 2 {
		t.Errorf("ranks after unpin = %d, %d; want 1, 2", first.Pinned, last.Pinned)
	}

	// Re-pinning an already pinned thread keeps its rank.
	if err := db.PinThreads([]int64{ids[0]}); err != nil {
		t.Fatal(err)
	}
	first, _ = db.ThreadByID(ids[0])
	if first.Pinned != 1 {
		t.Errorf("re-pin changed rank to %d", first.Pinned)
	}
}

func TestRestorePinsReplacesSet(t *testing.T) {
	db := testDB(t)

	var ids []int64
	for _, addr := range []Address{"+1", "+2"} {
		rid, _ := db.ResolveAddress(addr)
		id, err := db.GetOrCreateThreadID(rid)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := db.PinThreads([]int64{ids[0]}); err != nil {
		t.Fatal(err)
	}
	if err := db.RestorePins([]int64{ids[1]}); err != nil {
		t.Fatal(err)
	}

	first, _ := db.ThreadByID(ids[0])
	second, _ := db.ThreadByID(ids[1])
	if first.Pinned != 0 {
		t.Errorf("old pin survived restore: rank %d", first.Pinned)
	}
	if second.Pinned != 1 {
		t.Errorf("restored rank = %d, want 1", second.Pinned)
	}
}

func TestListThreadsPinnedFirst(t *testing.T) {
	db := testDB(t)

	var ids []int64
	for i, addr := range []Address{"+1", "+2", "+3"} {
		res, err := db.InsertInbound(inbound(addr, int64(1000+i*100), "m"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.ThreadID)
	}

	// Pin the oldest thread; it must sort before newer unpinned ones.
	if err := db.PinThreads([]int64{ids[0]}); err != nil {
		t.Fatal(err)
	}
	threads, err := db.ListThreads(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 3 {
		t.Fatalf("threads = %d, want 3", len(threads))
	}
	if threads[0].ID != ids[0] {
		t.Errorf("first thread = %d, want pinned %d", threads[0].ID, ids[0])
	}
	if threads[1].ID != ids[2] {
		t.Errorf("second thread = %d, want most recent %d", threads[1].ID, ids[2])
	}
}

func TestTrimThreadKeepsNewest(t *testing.T) {
	db := testDB(t)

	var threadID int64
	for i := 0; i < 5; i++ {
		res, err := db.InsertInbound(inbound("+1555", int64(1000+i), "m"))
		if err != nil {
			t.Fatal(err)
		}
		threadID = res.ThreadID
	}

	if err := db.TrimThread(threadID, 2); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.MessagesForThread(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages after trim = %d, want 2", len(msgs))
	}
	if msgs[0].DateSent != 1003 || msgs[1].DateSent != 1004 {
		t.Errorf("kept = %d, %d; want the two newest", msgs[0].DateSent, msgs[1].DateSent)
	}

	// Trimming below the cap is a no-op.
	if err := db.TrimThread(threadID, 10); err != nil {
		t.Fatal(err)
	}
	msgs, _ = db.MessagesForThread(threadID)
	if len(msgs) != 2 {
		t.Errorf("messages = %d after no-op trim", len(msgs))
	}
}

func TestTrimAllThreadsBefore(t *testing.T) {
	db := testDB(t)

	resA, err := db.InsertInbound(inbound("+1555", 1000, "old"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertInbound(inbound("+1555", 5000, "new")); err != nil {
		t.Fatal(err)
	}
	resB, err := db.InsertInbound(inbound("+1666", 900, "ancient"))
	if err != nil {
		t.Fatal(err)
	}

	if err := db.TrimAllThreadsBefore(2000); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.MessagesForThread(resA.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].DateSent != 5000 {
		t.Errorf("thread A kept %d messages, want only the one past the cutoff", len(msgs))
	}
	msgs, _ = db.MessagesForThread(resB.ThreadID)
	if len(msgs) != 0 {
		t.Errorf("thread B kept %d messages, want 0", len(msgs))
	}
}

func TestNewThreadDefaultExpiry(t *testing.T) {
	db := testDB(t)
	db.SetDefaultExpiresIn(86400000)

	rid, err := db.ResolveAddress("+1555")
	if err != nil {
		t.Fatal(err)
	}
	threadID, err := db.GetOrCreateThreadID(rid)
	if err != nil {
		t.Fatal(err)
	}
	th, err := db.ThreadByID(threadID)
	if err != nil {
		t.Fatal(err)
	}
	if th.ExpiresIn != 86400000 {
		t.Errorf("expires_in = %d, want default timer", th.ExpiresIn)
	}

	// Existing threads keep their timer when the default changes.
	db.SetDefaultExpiresIn(0)
	again, err := db.GetOrCreateThreadID(rid)
	if err != nil {
		t.Fatal(err)
	}
	if again != threadID {
		t.Fatalf("thread id = %d, want %d", again, threadID)
	}
	th, _ = db.ThreadByID(threadID)
	if th.ExpiresIn != 86400000 {
		t.Errorf("expires_in = %d after default change, want unchanged", th.ExpiresIn)
	}
}

func TestDeleteConversation(t *testing.T) {
	db := testDB(t)

	msg := &IncomingMessage{
		Sender: "+1555", DateSent: 1000, DateReceived: 1001,
		Body: "bye", Kind: KindMedia,
		Attachments: []IncomingAttachment{{ContentType: "image/png", URI: "file:///x"}},
	}
	res, err := db.InsertInbound(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDrafts(res.ThreadID, []Draft{{Type: "text", Value: "unsent"}}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteConversation(res.ThreadID); err != nil {
		t.Fatal(err)
	}

	if _, err := db.ThreadByID(res.ThreadID); !errors.Is(err, ErrNoSuchThread) {
		t.Errorf("thread lookup = %v, want ErrNoSuchThread", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM attachments`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("attachments = %d, want 0 (cascade)", count)
	}
	drafts, err := db.DraftsForThread(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 0 {
		t.Errorf("drafts = %d, want 0", len(drafts))
	}
}

func TestUnreadCountMatchesMessages(t *testing.T) {
	db := testDB(t)

	var threadID int64
	for i := 0; i < 4; i++ {
		res, err := db.InsertInbound(inbound("+1555", int64(1000+i), "m"))
		if err != nil {
			t.Fatal(err)
		}
		threadID = res.ThreadID
	}

	thread, err := db.ThreadByID(threadID)
	if err != nil {
		t.Fatal(err)
	}
	var unread int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM simple_messages WHERE thread_id = ? AND read = 0`,
		threadID).Scan(&unread); err != nil {
		t.Fatal(err)
	}
	if thread.UnreadCount != unread {
		t.Errorf("thread unread = %d, messages say %d", thread.UnreadCount, unread)
	}
}
