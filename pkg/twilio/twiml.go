package twilio

import (
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/twilio/twilio-go/twiml"
)

// FallbackHangup is served when a document cannot be rendered
const FallbackHangup = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

// Apology is what a human hears when the bridge could not be set up
type Apology struct {
	Message  string
	Language string
}

// Renderer turns call-control instructions into TwiML documents
type Renderer struct {
	apology Apology
}

func NewRenderer(apology Apology) *Renderer {
	return &Renderer{apology: apology}
}

// Render returns the TwiML for ins. It never returns an empty document.
func (r *Renderer) Render(ins domain.Instruction) (string, error) {
	var verbs []twiml.Element

	switch ins.Kind {
	case domain.InstructionConnect:
		verbs = []twiml.Element{
			&twiml.VoiceConnect{
				InnerElements: []twiml.Element{
					&twiml.VoiceStream{Url: ins.JoinURL},
				},
			},
		}
	case domain.InstructionApologize:
		verbs = []twiml.Element{
			&twiml.VoiceSay{Message: r.apology.Message, Language: r.apology.Language},
			&twiml.VoiceHangup{},
		}
	default:
		verbs = []twiml.Element{&twiml.VoiceHangup{}}
	}

	doc, err := twiml.Voice(verbs)
	if err != nil {
		return FallbackHangup, err
	}
	return doc, nil
}
