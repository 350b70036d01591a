package collector

import (
	"reflect"
	"testing"

	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/resolver"
)

func photoMsg(id int) *tg.Message {
	m := &tg.MessageMediaPhoto{}
	m.SetPhoto(&tg.Photo{ID: int64(id)})
	return &tg.Message{
		ID:    id,
		Media: m,
	}
}

func videoMsg(id int) *tg.Message {
	m := &tg.MessageMediaDocument{}
	m.SetDocument(&tg.Document{
		ID:       int64(id),
		MimeType: "video/mp4",
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeVideo{W: 640, H: 480, Duration: 10},
		},
	})
	return &tg.Message{
		ID:    id,
		Media: m,
	}
}

func TestBuildGroupSortsAndExtractsCaption(t *testing.T) {
	t.Parallel()

	// Подпись альбома живёт на участнике с id 21, пришедшем не первым.
	m20 := photoMsg(20)
	m21 := photoMsg(21)
	m21.Message = "подпись альбома"
	m22 := photoMsg(22)

	g := BuildGroup(resolver.ChannelRef{Title: "src"}, 77, []*tg.Message{m22, m20, m21})

	if got, want := g.IDs(), []int{20, 21, 22}; !reflect.DeepEqual(got, want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}
	if g.Caption != "подпись альбома" {
		t.Fatalf("Caption = %q, want %q", g.Caption, "подпись альбома")
	}
	if g.AlbumID != 77 {
		t.Fatalf("AlbumID = %d, want 77", g.AlbumID)
	}
}

func TestBuildGroupCaptionFromLowestID(t *testing.T) {
	t.Parallel()

	// Подписи есть у двух участников: берётся первая по возрастанию id.
	m1 := photoMsg(1)
	m1.Message = "первая"
	m2 := photoMsg(2)
	m2.Message = "вторая"

	g := BuildGroup(resolver.ChannelRef{}, 5, []*tg.Message{m2, m1})
	if g.Caption != "первая" {
		t.Fatalf("Caption = %q, want %q", g.Caption, "первая")
	}
}

func TestGroupIDFirst(t *testing.T) {
	t.Parallel()

	if got := (GroupID{MessageIDs: []int{10, 11, 12}}).First(); got != 10 {
		t.Fatalf("First() = %d, want 10", got)
	}
	if got := (GroupID{}).First(); got != 0 {
		t.Fatalf("First() of empty group = %d, want 0", got)
	}
}

func TestKindAllowed(t *testing.T) {
	t.Parallel()

	onlyVideo := map[media.Kind]struct{}{media.KindVideo: {}}

	tests := []struct {
		name  string
		msg   *tg.Message
		kinds map[media.Kind]struct{}
		want  bool
	}{
		{name: "empty filter passes photo", msg: photoMsg(1), kinds: nil, want: true},
		{name: "empty filter passes text", msg: &tg.Message{ID: 2, Message: "text"}, kinds: nil, want: true},
		{name: "video filter passes video", msg: videoMsg(3), kinds: onlyVideo, want: true},
		{name: "video filter rejects photo", msg: photoMsg(4), kinds: onlyVideo, want: false},
		{name: "video filter rejects text", msg: &tg.Message{ID: 5, Message: "text"}, kinds: onlyVideo, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindAllowed(tt.msg, tt.kinds); got != tt.want {
				t.Fatalf("KindAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlainMessages(t *testing.T) {
	t.Parallel()

	raw := []tg.MessageClass{
		&tg.Message{ID: 3},
		&tg.MessageService{ID: 4},
		&tg.MessageEmpty{ID: 5},
		&tg.Message{ID: 6},
	}

	tests := []struct {
		name string
		resp tg.MessagesMessagesClass
		want []int
	}{
		{name: "messages", resp: &tg.MessagesMessages{Messages: raw}, want: []int{3, 6}},
		{name: "slice", resp: &tg.MessagesMessagesSlice{Messages: raw}, want: []int{3, 6}},
		{name: "channel messages", resp: &tg.MessagesChannelMessages{Messages: raw}, want: []int{3, 6}},
		{name: "not modified", resp: &tg.MessagesMessagesNotModified{}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got []int
			for _, m := range plainMessages(tt.resp) {
				got = append(got, m.ID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("plainMessages() ids = %v, want %v", got, tt.want)
			}
		})
	}
}
