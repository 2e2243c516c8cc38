package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/LastBotInc/coralie-captions-worker/internal/captions"
	"github.com/LastBotInc/coralie-captions-worker/internal/language"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

var (
	// ErrInvalidLanguage is returned when a translator is built for a malformed descriptor.
	ErrInvalidLanguage = errors.New("invalid language")
	// ErrTranslationFailed wraps any failure of the model or the caption sink.
	ErrTranslationFailed = errors.New("translation failed")
)

// Options configure translators created by a Registry.
type Options struct {
	Model           string
	AccessibleModel string
	Temperature     float32
	// MaxTurns bounds the source turns kept in each context; 0 is unbounded.
	MaxTurns int
	// Timeout bounds one Translate call; 0 disables it.
	Timeout time.Duration
	// RecordReplies appends the model's reply to the context after each call.
	RecordReplies bool
}

// profile is the fixed (instruction, model) pair chosen by the variant.
type profile struct {
	system string
	model  string
}

func profileFor(d language.Descriptor, opts Options) profile {
	if d.Accessible() {
		model := opts.AccessibleModel
		if model == "" {
			model = opts.Model
		}
		return profile{
			system: fmt.Sprintf(
				"You are a caption translator for deaf and hard-of-hearing readers of %[1]s. "+
					"Translate the input into %[1]s as short, plain sentences with one idea each, "+
					"in an order that is easy to follow for sign language users. "+
					"Keep names and numbers. Your only response should be the caption text.",
				d.Name),
			model: model,
		}
	}
	return profile{
		system: fmt.Sprintf(
			"You are a translator for language: %[1]s. "+
				"Your only response should be the exact translation of input text in the %[1]s language.",
			d.Name),
		model: opts.Model,
	}
}

// Translator translates source segments into one target language.
type Translator struct {
	lang    language.Descriptor
	profile profile
	model   ChatModel
	sink    captions.Sink
	ctx     *Context
	opts    Options
}

// NewTranslator creates a translator for lang publishing to sink.
func NewTranslator(lang language.Descriptor, model ChatModel, sink captions.Sink, opts Options) (*Translator, error) {
	if strings.TrimSpace(lang.Code) == "" || lang.Name == "" {
		return nil, fmt.Errorf("%w: %#v", ErrInvalidLanguage, lang)
	}
	if model == nil || sink == nil {
		return nil, fmt.Errorf("translator %s: model and sink are required", lang.Code)
	}
	p := profileFor(lang, opts)
	return &Translator{
		lang:    lang,
		profile: p,
		model:   model,
		sink:    sink,
		ctx:     NewContext(p.system, opts.MaxTurns),
		opts:    opts,
	}, nil
}

// Language returns the target language.
func (t *Translator) Language() language.Descriptor {
	return t.lang
}

// Context exposes the conversation context, mainly for inspection.
func (t *Translator) Context() *Context {
	return t.ctx
}

// Translate sends text with the accumulated context to the model and
// publishes the reply as one final caption on dest.
func (t *Translator) Translate(ctx context.Context, text string, dest captions.Track) error {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	messages := t.ctx.Append(RoleUser, text)

	started := time.Now()
	reply, err := t.complete(ctx, messages)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTranslationFailed, t.lang.Code, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return fmt.Errorf("%w: %s: empty reply", ErrTranslationFailed, t.lang.Code)
	}

	if t.opts.RecordReplies {
		t.ctx.Append(RoleAssistant, reply)
	}

	seg := captions.Segment{
		ID:       captions.NewSegmentID(),
		Text:     reply,
		Language: t.lang.Code,
		Final:    true,
	}
	if err := t.sink.Publish(ctx, dest, seg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTranslationFailed, t.lang.Code, err)
	}

	logging.Debug(logging.CategoryTranslate, "translated segment lang=%s chars=%d elapsed=%s", t.lang.Code, len(reply), time.Since(started).Round(time.Millisecond))
	return nil
}

func (t *Translator) complete(ctx context.Context, messages []Message) (string, error) {
	stream, err := t.model.StreamChat(ctx, ChatRequest{
		Model:       t.profile.model,
		Temperature: t.opts.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(delta)
	}
}

// Close releases translator resources. Nothing is held today.
func (t *Translator) Close() error {
	return nil
}
