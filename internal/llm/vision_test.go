package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/companion/internal/memory"
)

func TestParseImageDescription(t *testing.T) {
	got := ParseImageDescription("Description: a bowl of ramen on a wooden table\nClassification: food / fun / evening\n")
	want := ImageDescription{Description: "a bowl of ramen on a wooden table", Category: "food", Mood: "fun", TimeOfDay: "evening"}
	if got != want {
		t.Fatalf("ParseImageDescription() = %+v, want %+v", got, want)
	}

	loose := ParseImageDescription("  just a screenshot of an editor  ")
	if loose.Description != "just a screenshot of an editor" || loose.Category != "" {
		t.Fatalf("unlabelled description = %+v", loose)
	}
}

func TestChatModelGeneratorSendsImagesToModel(t *testing.T) {
	cm := &recordingChatModel{}
	g, err := NewChatModelGenerator(context.Background(), cm, "be brief")
	if err != nil {
		t.Fatalf("NewChatModelGenerator() error = %v", err)
	}
	urls := []string{"https://img/a.png", "data:image/png;base64,AAAA"}
	desc, err := g.DescribeImages(context.Background(), urls)
	if err != nil {
		t.Fatalf("DescribeImages() error = %v", err)
	}
	if desc.Description != "ok" {
		t.Fatalf("description = %q", desc.Description)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(cm.input) != 2 || cm.input[0].Role != schema.System {
		t.Fatalf("input = %+v", cm.input)
	}
	user := cm.input[1]
	if user.Role != schema.User || len(user.MultiContent) != 3 {
		t.Fatalf("user message = %+v", user)
	}
	for i, u := range urls {
		part := user.MultiContent[i]
		if part.Type != schema.ChatMessagePartTypeImageURL || part.ImageURL == nil || part.ImageURL.URL != u {
			t.Fatalf("part %d = %+v, want image %s", i, part, u)
		}
	}
	if user.MultiContent[2].Type != schema.ChatMessagePartTypeText {
		t.Fatalf("last part = %+v, want text instruction", user.MultiContent[2])
	}
}

func TestFallbackGeneratorDescribesWithFirstCapableGenerator(t *testing.T) {
	textOnly := GeneratorFunc(func(context.Context, []memory.TurnRecord, string) (*schema.StreamReader[*schema.Message], error) {
		return nil, errors.New("unused")
	})
	g := NewFallbackGenerator(textOnly, NewMockGenerator())
	desc, err := g.DescribeImages(context.Background(), []string{"https://img/a.png"})
	if err != nil {
		t.Fatalf("DescribeImages() error = %v", err)
	}
	if desc.Description != "shared image https://img/a.png" {
		t.Fatalf("description = %q", desc.Description)
	}

	none := NewFallbackGenerator(textOnly, textOnly)
	if _, err := none.DescribeImages(context.Background(), []string{"https://img/a.png"}); err == nil {
		t.Fatalf("expected error when no generator can see images")
	}
}
