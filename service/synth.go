package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"StoryFlow-server/models"
	"StoryFlow-server/provider"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

const (
	maxShotDuration = 30
	maxInlineText   = 8000
)

var planSchema = provider.GenerateSchema[models.Plan]()

// Synthesiser drives an LLM to a validated, corrected Plan.
type Synthesiser struct {
	LLM        provider.Adapter
	Events     *Emitter
	Retry      RetryPolicy
	HTTPClient *http.Client

	// NodeCount sizes the graph for the phase_complete event.
	NodeCount func(*models.Plan) int

	validate *validator.Validate
}

func NewSynthesiser(llm provider.Adapter, events *Emitter, retry RetryPolicy) *Synthesiser {
	return &Synthesiser{
		LLM:        llm,
		Events:     events,
		Retry:      retry,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Synthesiser) Synthesise(ctx context.Context, brief models.Brief, cfg models.RunConfig) (*models.Plan, error) {
	msgs, err := s.buildMessages(ctx, brief, cfg)
	if err != nil {
		return nil, err
	}

	raw, err := s.complete(ctx, msgs, cfg.ReasoningLevel, true)
	if err != nil {
		return nil, err
	}
	plan, verr := s.parse(raw)
	if verr != nil {
		log.Printf("[Synth] plan invalid, repairing: %v", verr)
		s.Events.Note("plan did not match the schema, asking the model to repair it")
		repair := append(append([]provider.Message(nil), msgs...),
			provider.Message{Role: "assistant", Content: raw},
			provider.Message{Role: "user", Content: fmt.Sprintf(repairInstruction, verr.Error())},
		)
		raw, err = s.complete(ctx, repair, cfg.ReasoningLevel, false)
		if err != nil {
			return nil, err
		}
		plan, verr = s.parse(raw)
		if verr != nil {
			return nil, newPipelineError(CodePlanSynthesisFailed, "plan does not match the schema after repair", verr)
		}
	}

	for _, note := range Correct(plan, cfg.Settings.VideoDuration) {
		s.Events.Note(note)
	}
	if err := s.validate.Struct(plan); err != nil {
		return nil, newPipelineError(CodePlanSynthesisFailed, "plan invalid after correction", err)
	}

	count := 0
	if s.NodeCount != nil {
		count = s.NodeCount(plan)
	}
	s.Events.PhaseComplete(models.PhaseAnalysis, count)
	return plan, nil
}

// complete runs one LLM round, retrying transient failures under the
// retry policy.
func (s *Synthesiser) complete(ctx context.Context, msgs []provider.Message, level models.ReasoningLevel, stream bool) (string, error) {
	params := provider.Params{
		provider.KeyMessages:        msgs,
		provider.KeyReasoningEffort: string(level),
	}
	if s.LLM.Capabilities().Kind == provider.KindLLMStructured {
		params[provider.KeyJSONSchema] = planSchema
		params[provider.KeySchemaName] = "film_plan"
	}

	var counters models.NodeData
	for {
		res := s.invoke(ctx, params, stream)
		switch {
		case res.OK:
			return res.Text, nil
		case res.IsCancelled():
			return "", ErrCancelled
		case res.Refused:
			return "", newPipelineError(CodePlanRefused, "the model refused the brief", errors.New(res.Text))
		}
		d := s.Retry.Decide(&counters, res)
		if !d.Retry {
			return "", newPipelineError(CodePlanSynthesisFailed, fmt.Sprintf("llm call failed (%s)", d.Code), errors.New(res.Message))
		}
		log.Printf("[Synth] llm %s, retry %d in %v: %s", res.Code, counters.Attempts, d.Delay, res.Message)
		select {
		case <-ctx.Done():
			return "", ErrCancelled
		case <-time.After(d.Delay):
		}
	}
}

func (s *Synthesiser) invoke(ctx context.Context, params provider.Params, stream bool) provider.Result {
	ictx, cancel := context.WithTimeout(ctx, s.LLM.Capabilities().Deadline())
	defer cancel()
	var res provider.Result
	if st, ok := s.LLM.(provider.Streamer); ok && stream {
		res = st.Stream(ictx, params, s.Events.Reasoning)
	} else {
		res = s.LLM.Invoke(ictx, params)
	}
	if !res.OK && ctx.Err() != nil {
		return provider.Cancelled()
	}
	return res
}

func (s *Synthesiser) parse(raw string) (*models.Plan, error) {
	payload, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := s.validate.Struct(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Synthesiser) buildMessages(ctx context.Context, brief models.Brief, cfg models.RunConfig) ([]provider.Message, error) {
	system := planSystemPrompt
	if cfg.SystemPromptOverride != "" {
		system = cfg.SystemPromptOverride
	}
	schema, _ := json.Marshal(planSchema)
	system += "\n\nSchema:\n" + string(schema)
	if hint := reasoningInstructions[string(cfg.ReasoningLevel)]; hint != "" {
		system += "\n\n" + hint
	}
	if cfg.CustomInstructions != "" {
		system += "\n\nAdditional instructions:\n" + cfg.CustomInstructions
	}
	for _, k := range sortedKeys(cfg.AdvancedPromptConfig) {
		system += fmt.Sprintf("\n%s: %s", k, cfg.AdvancedPromptConfig[k])
	}

	msgs := []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Title: %s\n\nSynopsis:\n%s", brief.Title, brief.Synopsis)},
	}
	if len(brief.Moodboard) == 0 {
		return msgs, nil
	}

	mood := provider.Message{Role: "user"}
	var b strings.Builder
	b.WriteString("Moodboard references:\n")
	acceptsURLs := s.LLM.Capabilities().AcceptsImageURLs
	for i, doc := range brief.Moodboard {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, doc.Kind, doc.Name)
		if doc.URL != "" {
			fmt.Fprintf(&b, " %s", doc.URL)
		}
		b.WriteString("\n")
		switch doc.Kind {
		case models.DocumentImage:
			ref, err := s.imageRef(ctx, doc, acceptsURLs)
			if err != nil {
				log.Printf("[Synth] skip moodboard image %s: %v", doc.Name, err)
				continue
			}
			mood.ImageURLs = append(mood.ImageURLs, ref)
		case models.DocumentText:
			if len(doc.Data) > 0 {
				text := string(doc.Data)
				if len(text) > maxInlineText {
					text = text[:maxInlineText]
				}
				b.WriteString(text + "\n")
			}
		}
	}
	mood.Content = b.String()
	return append(msgs, mood), nil
}

// imageRef returns the URL itself when the model can fetch it, otherwise a
// data URI of the bytes.
func (s *Synthesiser) imageRef(ctx context.Context, doc models.Document, acceptsURLs bool) (string, error) {
	if strings.HasPrefix(doc.URL, "data:") || (acceptsURLs && doc.URL != "") {
		return doc.URL, nil
	}
	data := doc.Data
	if len(data) == 0 {
		if doc.URL == "" {
			return "", errors.New("no bytes and no url")
		}
		var err error
		data, err = s.fetch(ctx, doc.URL)
		if err != nil {
			return "", err
		}
	}
	mime := doc.MimeType
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (s *Synthesiser) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ExtractJSON returns the first balanced JSON object in s, ignoring code
// fences, preamble and braces inside strings.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString, escaped := false, false
	scan:
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, nil
					}
					break scan
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", errors.New("no JSON object in model output")
}

var physicalDescriptors = regexp.MustCompile(`(?i)\b(?:(?:blonde?|brunette|red-?haired|redheaded|grey-haired|gray-haired|bald|bearded|freckled|tall|slender|muscular|chubby|petite|elderly)\b|(?:blue|green|brown|hazel|grey|gray)[- ]eyed\b|with (?:long|short|curly|straight|blonde?|dark|red|black|brown|grey|gray) hair\b|with (?:blue|green|brown|hazel|grey|gray) eyes\b|\d+[- ]years?[- ]old\b)`)

var extraSpaces = regexp.MustCompile(`\s{2,}`)
var spaceBeforePunct = regexp.MustCompile(`\s+([,.;:!?])`)

// StripPhysicalDescriptors removes descriptor phrases from an action
// prompt and reports what it removed.
func StripPhysicalDescriptors(prompt string) (string, []string) {
	found := physicalDescriptors.FindAllString(prompt, -1)
	if len(found) == 0 {
		return prompt, nil
	}
	out := physicalDescriptors.ReplaceAllString(prompt, "")
	out = extraSpaces.ReplaceAllString(out, " ")
	out = spaceBeforePunct.ReplaceAllString(out, "$1")
	return strings.TrimSpace(out), found
}

// Correct applies the deterministic fixes a valid plan may still need and
// returns one note per change.
func Correct(plan *models.Plan, defaultDuration int) []string {
	var notes []string
	if defaultDuration <= 0 {
		defaultDuration = models.DefaultVideoDuration
	}

	charIDs := make(map[string]bool, len(plan.Characters))
	for i := range plan.Characters {
		c := &plan.Characters[i]
		id := uniqueID(slugOr(c.ID, c.Name, "character-"+strconv.Itoa(i+1)), charIDs)
		if id != c.ID {
			notes = append(notes, fmt.Sprintf("character %q id set to %q", c.Name, id))
			c.ID = id
		}
		fillEmpty(&c.Prompts.Face, promptCharacterFace)
		fillEmpty(&c.Prompts.Profile, promptCharacterProfile)
		fillEmpty(&c.Prompts.Back, promptCharacterBack)
	}
	locIDs := make(map[string]bool, len(plan.Locations))
	for i := range plan.Locations {
		l := &plan.Locations[i]
		id := uniqueID(slugOr(l.ID, l.Name, "location-"+strconv.Itoa(i+1)), locIDs)
		if id != l.ID {
			notes = append(notes, fmt.Sprintf("location %q id set to %q", l.Name, id))
			l.ID = id
		}
		fillEmpty(&l.Prompts.Angle2, promptLocationAngle2)
		fillEmpty(&l.Prompts.Plongee, promptLocationPlongee)
		fillEmpty(&l.Prompts.ContrePlongee, promptLocationContrePlongee)
	}

	sort.SliceStable(plan.Scenes, func(i, j int) bool {
		return plan.Scenes[i].SceneNumber < plan.Scenes[j].SceneNumber
	})
	renumbered := false
	for si := range plan.Scenes {
		sc := &plan.Scenes[si]
		if sc.SceneNumber != si+1 {
			sc.SceneNumber = si + 1
			renumbered = true
		}
		if sc.ID == "" {
			sc.ID = "scene-" + strconv.Itoa(sc.SceneNumber)
		}
		sort.SliceStable(sc.Plans, func(i, j int) bool {
			return sc.Plans[i].PlanNumber < sc.Plans[j].PlanNumber
		})
		for pi := range sc.Plans {
			p := &sc.Plans[pi]
			if p.PlanNumber != pi+1 {
				p.PlanNumber = pi + 1
				renumbered = true
			}
			key := p.Key(sc.SceneNumber)
			if p.ID == "" {
				p.ID = "plan-" + strconv.Itoa(sc.SceneNumber) + "-" + strconv.Itoa(p.PlanNumber)
			}

			var refs []string
			seen := map[string]bool{}
			for _, ref := range p.CharacterRefs {
				switch {
				case seen[ref]:
				case !charIDs[ref]:
					notes = append(notes, fmt.Sprintf("plan %s: dropped orphan characterRef %q", key, ref))
				default:
					refs = append(refs, ref)
				}
				seen[ref] = true
			}
			p.CharacterRefs = refs
			if p.LocationRef != "" && !locIDs[p.LocationRef] {
				notes = append(notes, fmt.Sprintf("plan %s: dropped orphan locationRef %q", key, p.LocationRef))
				p.LocationRef = ""
			}

			if cleaned, removed := StripPhysicalDescriptors(p.Prompt); len(removed) > 0 {
				notes = append(notes, fmt.Sprintf("plan %s: removed physical descriptors %q from the action prompt", key, removed))
				p.Prompt = cleaned
			}
			if strings.TrimSpace(p.PromptLastFrame) == "" {
				p.PromptLastFrame = lastFrameFromAction(p)
				notes = append(notes, fmt.Sprintf("plan %s: promptLastFrame derived from the action", key))
			}
			switch {
			case p.Duration <= 0:
				p.Duration = defaultDuration
			case p.Duration > maxShotDuration:
				notes = append(notes, fmt.Sprintf("plan %s: duration clamped from %d to %d", key, p.Duration, maxShotDuration))
				p.Duration = maxShotDuration
			}
		}
	}
	if renumbered {
		notes = append(notes, "scene and plan numbering re-densified")
	}
	return notes
}

func lastFrameFromAction(p *models.Shot) string {
	action := strings.TrimRight(strings.TrimSpace(p.Prompt), ".")
	return fmt.Sprintf("Same framing as the first frame (%s), at the end of the action: %s.",
		strings.TrimRight(strings.TrimSpace(p.PromptFirstFrame), "."), action)
}

func fillEmpty(dst *string, v string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = v
	}
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func slugOr(id, name, fallback string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	s := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return fallback
	}
	return s
}

func uniqueID(id string, taken map[string]bool) string {
	out := id
	for n := 2; taken[out]; n++ {
		out = id + "-" + strconv.Itoa(n)
	}
	taken[out] = true
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
