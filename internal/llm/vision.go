package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ImageDescriber turns attached images into an objective text description
// the conversational model can reason about.
type ImageDescriber interface {
	DescribeImages(ctx context.Context, urls []string) (ImageDescription, error)
}

// ImageDescription is the parsed answer of a vision request.
type ImageDescription struct {
	Description string
	Category    string
	Mood        string
	TimeOfDay   string
}

const visionPrompt = `Describe the attached image(s) objectively and answer in exactly this format:

Description: <concise objective description: kind of image, subject, colours, any visible text; relations between images when there are several>
Classification: <category> / <mood> / <time of day>

Category examples: landscape, person, food, building, screen (code), screen (social), screen (game), screen (shopping), screen (media), other.
Mood examples: bright, fun, sad, calm, lively.
Time of day: morning, daytime, evening, night, unknown.`

// ParseImageDescription reads the "Description:" and "Classification:" lines.
// Text without those markers is taken whole as the description.
func ParseImageDescription(raw string) ImageDescription {
	var d ImageDescription
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := cutLabel(line, "description:"); ok {
			d.Description = v
			continue
		}
		if v, ok := cutLabel(line, "classification:"); ok {
			parts := strings.Split(v, "/")
			fields := []*string{&d.Category, &d.Mood, &d.TimeOfDay}
			for i := 0; i < len(parts) && i < len(fields); i++ {
				*fields[i] = strings.TrimSpace(parts[i])
			}
		}
	}
	if d.Description == "" {
		d.Description = strings.TrimSpace(raw)
	}
	return d
}

func cutLabel(line, label string) (string, bool) {
	if len(line) < len(label) || !strings.EqualFold(line[:len(label)], label) {
		return "", false
	}
	return strings.TrimSpace(line[len(label):]), true
}

// visionMessages builds a single multimodal user message carrying every
// image URL followed by the instruction text.
func visionMessages(urls []string) []*schema.Message {
	parts := make([]schema.ChatMessagePart, 0, len(urls)+1)
	for _, u := range urls {
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: u},
		})
	}
	instruction := "Describe this image objectively."
	if len(urls) > 1 {
		instruction = fmt.Sprintf("Describe these %d images objectively.", len(urls))
	}
	parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: instruction})
	return []*schema.Message{
		schema.SystemMessage(visionPrompt),
		{Role: schema.User, MultiContent: parts},
	}
}

func (g *ChatModelGenerator) DescribeImages(ctx context.Context, urls []string) (ImageDescription, error) {
	if len(urls) == 0 {
		return ImageDescription{}, errors.New("no images to describe")
	}
	msg, err := g.model.Generate(ctx, visionMessages(urls))
	if err != nil {
		return ImageDescription{}, fmt.Errorf("%w: describe images: %w", ErrGenerationFailed, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return ImageDescription{}, fmt.Errorf("%w: empty image description", ErrGenerationFailed)
	}
	return ParseImageDescription(msg.Content), nil
}

// DescribeImages answers with a fixed description naming the images.
func (g *MockGenerator) DescribeImages(ctx context.Context, urls []string) (ImageDescription, error) {
	if err := ctx.Err(); err != nil {
		return ImageDescription{}, err
	}
	if len(urls) == 0 {
		return ImageDescription{}, errors.New("no images to describe")
	}
	return ImageDescription{
		Description: "shared image " + strings.Join(urls, ", "),
		Category:    "other",
		Mood:        "calm",
		TimeOfDay:   "unknown",
	}, nil
}

// DescribeImages uses the primary generator when it can see images, else the
// fallback.
func (g *FallbackGenerator) DescribeImages(ctx context.Context, urls []string) (ImageDescription, error) {
	var errs []error
	for _, gen := range []Generator{g.primary, g.fallback} {
		d, ok := gen.(ImageDescriber)
		if !ok {
			continue
		}
		desc, err := d.DescribeImages(ctx, urls)
		if err == nil {
			return desc, nil
		}
		if ctx.Err() != nil {
			return ImageDescription{}, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ImageDescription{}, errors.New("no generator can describe images")
	}
	return ImageDescription{}, errors.Join(errs...)
}
