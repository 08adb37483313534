package store

import (
	"errors"
	"testing"
)

func inbound(sender Address, dateSent int64, body string) *IncomingMessage {
	return &IncomingMessage{
		Sender:       sender,
		DateSent:     dateSent,
		DateReceived: dateSent + 1,
		Body:         body,
		Kind:         KindSimple,
		Secure:       true,
		Push:         true,
	}
}

func TestInsertInboundDeduplicates(t *testing.T) {
	db := testDB(t)

	first, err := db.InsertInbound(inbound("+1555", 1000, "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate {
		t.Fatal("first insert reported duplicate")
	}

	second, err := db.InsertInbound(inbound("+1555", 1000, "hello again"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Error("redelivery not reported as duplicate")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM simple_messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("messages = %d, want 1", count)
	}
}

func TestInsertInboundGroupThread(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateGroup(&GroupRecord{GroupID: "g1", Fid: 9, Cname: "cname:g"}); err != nil {
		t.Fatal(err)
	}

	msg := inbound("+1555", 2000, "to the group")
	msg.Fid = 9
	res, err := db.InsertInbound(msg)
	if err != nil {
		t.Fatal(err)
	}

	// The thread belongs to the group-as-recipient, not the sender, and
	// carries the fid.
	threadID, err := db.ThreadIDByFid(9)
	if err != nil {
		t.Fatal(err)
	}
	if threadID != res.ThreadID {
		t.Errorf("thread = %d, want fid-stamped thread %d", res.ThreadID, threadID)
	}

	// A second sender lands in the same thread.
	msg2 := inbound("+1666", 2001, "me too")
	msg2.Fid = 9
	res2, err := db.InsertInbound(msg2)
	if err != nil {
		t.Fatal(err)
	}
	if res2.ThreadID != res.ThreadID {
		t.Errorf("second sender thread = %d, want %d", res2.ThreadID, res.ThreadID)
	}
}

func TestInsertInboundUpdatesThread(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertInbound(inbound("+1555", 1000, "newest"))
	if err != nil {
		t.Fatal(err)
	}

	thread, err := db.ThreadByID(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if thread.Snippet != "newest" {
		t.Errorf("snippet = %q", thread.Snippet)
	}
	if thread.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", thread.UnreadCount)
	}
	if thread.Read != ThreadUnread {
		t.Errorf("read state = %v, want UNREAD", thread.Read)
	}
	if thread.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", thread.MessageCount)
	}
}

func TestTimerUpdatesAreNotMeaningful(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertInbound(inbound("+1555", 1000, "real"))
	if err != nil {
		t.Fatal(err)
	}

	timer := inbound("+1555", 1001, "")
	timer.TimerUpdate = true
	if _, err := db.InsertInbound(timer); err != nil {
		t.Fatal(err)
	}

	thread, err := db.ThreadByID(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if thread.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (timer update excluded)", thread.UnreadCount)
	}
	if thread.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", thread.MessageCount)
	}
	if thread.Snippet != "real" {
		t.Errorf("snippet = %q, want the meaningful message", thread.Snippet)
	}
}

func TestInsertOutboundDirectReceipts(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: "+1555",
		DateSent:  5000,
		Body:      "ping",
		Kind:      KindSimple,
		Secure:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	rid, err := db.ResolveAddress("+1555")
	if err != nil {
		t.Fatal(err)
	}
	sync := SyncMessageID{RecipientID: rid, Timestamp: 5000}

	if err := db.IncrementReceiptCount(sync, ReceiptDelivery, 5100); err != nil {
		t.Fatal(err)
	}
	// A redelivered receipt must not double-count.
	if err := db.IncrementReceiptCount(sync, ReceiptDelivery, 5200); err != nil {
		t.Fatal(err)
	}

	m, err := db.MessageByID(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryReceiptCount != 1 {
		t.Errorf("delivery count = %d, want 1", m.DeliveryReceiptCount)
	}
}

func TestReceiptTimestampNeverIncreases(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: "+1555", DateSent: 5000, Body: "x", Kind: KindSimple,
	})
	if err != nil {
		t.Fatal(err)
	}
	rid, _ := db.ResolveAddress("+1555")

	if err := db.IncrementReceiptCount(SyncMessageID{rid, 5000}, ReceiptRead, 9000); err != nil {
		t.Fatal(err)
	}
	m, err := db.MessageByID(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.ReceiptTimestamp != 9000 {
		t.Fatalf("receipt timestamp = %d, want 9000", m.ReceiptTimestamp)
	}

	// A later viewed receipt with an earlier timestamp lowers it; a later
	// one does not raise it.
	if err := db.IncrementReceiptCount(SyncMessageID{rid, 5000}, ReceiptViewed, 8000); err != nil {
		t.Fatal(err)
	}
	m, _ = db.MessageByID(res.MessageID, KindSimple)
	if m.ReceiptTimestamp != 8000 {
		t.Errorf("receipt timestamp = %d, want 8000", m.ReceiptTimestamp)
	}
}

func TestGroupReceiptFanOut(t *testing.T) {
	db := testDB(t)
	db.SetSelf("+1000")

	if _, err := db.CreateGroup(&GroupRecord{
		GroupID: "g1", Fid: 4, Cname: "cname:fan",
		Members: []Address{"+1000", "+2000", "+3000", "+4000"},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: GroupAddress("g1"),
		Fid:       4,
		DateSent:  7000,
		Body:      "hi all",
		Kind:      KindSimple,
		Secure:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	receipts, err := db.GroupReceipts(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 3 {
		t.Fatalf("seeded receipts = %d, want 3 (self excluded)", len(receipts))
	}
	for _, r := range receipts {
		if r.Status != StatusUndelivered {
			t.Errorf("seed status = %v, want UNDELIVERED", r.Status)
		}
	}

	// Member +2000 acknowledges delivery.
	rid, _ := db.ResolveAddress("+2000")
	if err := db.IncrementReceiptCount(SyncMessageID{rid, 7000}, ReceiptDelivery, 7100); err != nil {
		t.Fatal(err)
	}
	// Replay of the same receipt is a no-op.
	if err := db.IncrementReceiptCount(SyncMessageID{rid, 7000}, ReceiptDelivery, 7200); err != nil {
		t.Fatal(err)
	}

	m, err := db.MessageByID(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryReceiptCount != 1 {
		t.Errorf("delivery count = %d, want 1", m.DeliveryReceiptCount)
	}

	receipts, _ = db.GroupReceipts(res.MessageID, KindSimple)
	var delivered int
	for _, r := range receipts {
		if r.Status == StatusDelivered {
			delivered++
		}
	}
	if delivered != 1 {
		t.Errorf("delivered rows = %d, want 1", delivered)
	}
}

func TestEarlyReceiptReplay(t *testing.T) {
	db := testDB(t)

	rid, err := db.ResolveAddress("+1555")
	if err != nil {
		t.Fatal(err)
	}

	// Receipt arrives before the message exists: buffered, not lost.
	if err := db.IncrementReceiptCount(SyncMessageID{rid, 6000}, ReceiptDelivery, 6050); err != nil {
		t.Fatal(err)
	}

	res, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: "+1555", DateSent: 6000, Body: "raced", Kind: KindSimple,
	})
	if err != nil {
		t.Fatal(err)
	}

	m, err := db.MessageByID(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryReceiptCount != 1 {
		t.Errorf("delivery count = %d, want 1 (early receipt replayed)", m.DeliveryReceiptCount)
	}
}

func TestEarlyReceiptFromOtherRecipientStaysCached(t *testing.T) {
	db := testDB(t)

	ridB, err := db.ResolveAddress("+2000")
	if err != nil {
		t.Fatal(err)
	}

	// B's receipt arrives before any message at that timestamp exists.
	if err := db.IncrementReceiptCount(SyncMessageID{ridB, 4000}, ReceiptDelivery, 4100); err != nil {
		t.Fatal(err)
	}

	// A message to A at the same timestamp must not absorb B's receipt.
	resA, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: "+1000", DateSent: 4000, Body: "to a", Kind: KindSimple,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := db.MessageByID(resA.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryReceiptCount != 0 {
		t.Errorf("delivery count = %d, want 0 (receipt from another recipient)", m.DeliveryReceiptCount)
	}
	if m.ReceiptTimestamp != 0 {
		t.Errorf("receipt timestamp = %d, want 0", m.ReceiptTimestamp)
	}

	// The receipt stays buffered and lands on B's own message.
	resB, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: "+2000", DateSent: 4000, Body: "to b", Kind: KindSimple,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err = db.MessageByID(resB.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryReceiptCount != 1 {
		t.Errorf("delivery count = %d, want 1 (buffered receipt replayed)", m.DeliveryReceiptCount)
	}
}

func TestMarkRemoteDeleted(t *testing.T) {
	db := testDB(t)

	msg := &IncomingMessage{
		Sender:       "+1555",
		DateSent:     1000,
		DateReceived: 1001,
		Body:         "regret this",
		Kind:         KindMedia,
		Attachments:  []IncomingAttachment{{ContentType: "image/png", URI: "file:///a"}},
	}
	res, err := db.InsertInbound(msg)
	if err != nil {
		t.Fatal(err)
	}

	if err := db.MarkRemoteDeleted(res.MessageID, KindMedia); err != nil {
		t.Fatal(err)
	}

	m, err := db.MessageByID(res.MessageID, KindMedia)
	if err != nil {
		t.Fatal(err)
	}
	if !m.RemoteDeleted {
		t.Error("remote_deleted not set")
	}
	if m.Body != "" {
		t.Errorf("body = %q, want scrubbed", m.Body)
	}
	// The row keeps its identity and position in history.
	if m.DateSent != 1000 || m.DateReceived != 1001 {
		t.Error("timestamps changed")
	}

	attachments, err := db.AttachmentsForMessage(res.MessageID, KindMedia)
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 0 {
		t.Errorf("attachments = %d, want 0", len(attachments))
	}

	thread, err := db.ThreadByID(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if thread.SnippetExtra != "remote_deleted" {
		t.Errorf("snippet extra = %q", thread.SnippetExtra)
	}
}

func TestRemoteDeleteKeepsGroupReceipts(t *testing.T) {
	db := testDB(t)
	db.SetSelf("+1000")

	if _, err := db.CreateGroup(&GroupRecord{
		GroupID: "g1", Fid: 4, Cname: "cname:rd",
		Members: []Address{"+1000", "+2000"},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: GroupAddress("g1"), Fid: 4, DateSent: 7000,
		Body: "oops", Kind: KindSimple,
	})
	if err != nil {
		t.Fatal(err)
	}
	rid, _ := db.ResolveAddress("+2000")
	if err := db.IncrementReceiptCount(SyncMessageID{rid, 7000}, ReceiptDelivery, 7100); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkRemoteDeleted(res.MessageID, KindSimple); err != nil {
		t.Fatal(err)
	}

	// Delivery state survives the scrub.
	receipts, err := db.GroupReceipts(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(receipts))
	}
	if receipts[0].Status != StatusDelivered {
		t.Errorf("status = %v, want DELIVERED", receipts[0].Status)
	}
}

func TestDeleteLastMessageDeletesThread(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertInbound(inbound("+1555", 1000, "only one"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage(res.MessageID, KindSimple); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ThreadByID(res.ThreadID); !errors.Is(err, ErrNoSuchThread) {
		t.Errorf("thread lookup = %v, want ErrNoSuchThread", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertOutbound(&OutgoingMessage{
		Recipient: "+1555", DateSent: 1000, Body: "x", Kind: KindSimple, Secure: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.MarkSent(res.MessageID, KindSimple); err != nil {
		t.Fatal(err)
	}
	m, err := db.MessageByID(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type.BaseType() != BaseSent {
		t.Errorf("base type = %d, want SENT", m.Type.BaseType())
	}
	if !m.Type.IsSecure() {
		t.Error("secure bit lost across status transition")
	}

	if err := db.MarkSentFailed(res.MessageID, KindSimple); err != nil {
		t.Fatal(err)
	}
	m, _ = db.MessageByID(res.MessageID, KindSimple)
	if m.Type.BaseType() != BaseSentFailed {
		t.Errorf("base type = %d, want SENT_FAILED", m.Type.BaseType())
	}
}

func TestSetAttachmentURI(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertInbound(&IncomingMessage{
		Sender: "+1555", DateSent: 1000, DateReceived: 1001,
		Kind:        KindMedia,
		Attachments: []IncomingAttachment{{ContentType: "image/png"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	attachments, err := db.AttachmentsForMessage(res.MessageID, KindMedia)
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(attachments))
	}

	if err := db.SetAttachmentURI(attachments[0].ID, "file:///blobs/1"); err != nil {
		t.Fatal(err)
	}
	attachments, _ = db.AttachmentsForMessage(res.MessageID, KindMedia)
	if attachments[0].URI != "file:///blobs/1" {
		t.Errorf("uri = %q", attachments[0].URI)
	}

	if err := db.SetAttachmentURI(99999, "file:///nope"); !errors.Is(err, ErrNoSuchAttachment) {
		t.Errorf("missing attachment err = %v", err)
	}
}

func TestUnsupportedTransitions(t *testing.T) {
	db := testDB(t)

	if err := db.MarkForcedSMS(1, KindSimple); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("MarkForcedSMS = %v, want ErrUnsupportedOperation", err)
	}
	if err := db.MarkInsecureFallback(1, KindMedia); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("MarkInsecureFallback = %v, want ErrUnsupportedOperation", err)
	}
}

func TestMessagesForThreadOrdering(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertInbound(inbound("+1555", 3000, "second"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertInbound(inbound("+1555", 1000, "first")); err != nil {
		t.Fatal(err)
	}
	media := &IncomingMessage{
		Sender: "+1555", DateSent: 5000, DateReceived: 5001,
		Body: "third", Kind: KindMedia,
	}
	if _, err := db.InsertInbound(media); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.MessagesForThread(res.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Body != "first" || msgs[1].Body != "second" || msgs[2].Body != "third" {
		t.Errorf("order = %q %q %q", msgs[0].Body, msgs[1].Body, msgs[2].Body)
	}
}

func TestExpiredMessagesDeleted(t *testing.T) {
	db := testDB(t)

	msg := inbound("+1555", 1000, "fleeting")
	msg.ExpiresIn = 500
	res, err := db.InsertInbound(msg)
	if err != nil {
		t.Fatal(err)
	}
	keeper, err := db.InsertInbound(inbound("+1555", 2000, "stays"))
	if err != nil {
		t.Fatal(err)
	}

	if err := db.MarkExpireStarted(res.MessageID, KindSimple, 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteExpiredMessages(2000); err != nil {
		t.Fatal(err)
	}

	if _, err := db.MessageByID(res.MessageID, KindSimple); !errors.Is(err, ErrNoSuchMessage) {
		t.Errorf("expired lookup = %v, want ErrNoSuchMessage", err)
	}
	if _, err := db.MessageByID(keeper.MessageID, KindSimple); err != nil {
		t.Errorf("unexpired message gone: %v", err)
	}
}

func TestReactions(t *testing.T) {
	db := testDB(t)

	res, err := db.InsertInbound(inbound("+1555", 1000, "react to me"))
	if err != nil {
		t.Fatal(err)
	}

	if err := db.AddReaction(res.MessageID, KindSimple, "+1666", "👍", 1100); err != nil {
		t.Fatal(err)
	}
	// Re-reacting replaces, not duplicates.
	if err := db.AddReaction(res.MessageID, KindSimple, "+1666", "❤", 1200); err != nil {
		t.Fatal(err)
	}

	reactions, err := db.ReactionsForMessage(res.MessageID, KindSimple)
	if err != nil {
		t.Fatal(err)
	}
	if len(reactions) != 1 {
		t.Fatalf("reactions = %d, want 1", len(reactions))
	}
	if reactions[0].Emoji != "❤" {
		t.Errorf("emoji = %q, want replacement", reactions[0].Emoji)
	}

	if err := db.RemoveReaction(res.MessageID, KindSimple, "+1666"); err != nil {
		t.Fatal(err)
	}
	reactions, _ = db.ReactionsForMessage(res.MessageID, KindSimple)
	if len(reactions) != 0 {
		t.Errorf("reactions after removal = %d", len(reactions))
	}
}
