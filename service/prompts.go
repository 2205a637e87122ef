package service

// Fixed prompts for the non-primary variants. They reference the primary
// image instead of re-describing the subject.
const (
	promptCharacterFace    = "Close-up portrait of the face of the character in the reference image, neutral expression, same identity, studio lighting"
	promptCharacterProfile = "Side profile view of the character in the reference image, full body, same identity and outfit, neutral background"
	promptCharacterBack    = "View from behind of the character in the reference image, full body, same identity and outfit, neutral background"

	promptLocationAngle2        = "The location in the reference image seen from a second angle, same time of day and lighting"
	promptLocationPlongee       = "The location in the reference image seen from a high angle looking down (plongee)"
	promptLocationContrePlongee = "The location in the reference image seen from a low angle looking up (contre-plongee)"
)

const planSystemPrompt = `You are a film pre-production assistant. From the synopsis and moodboard you receive, write a complete film plan.

Rules:
1. Output ONLY one JSON object that matches the schema below. No prose, no markdown fences.
2. Sole-locus rule: the physical description of a character (age, build, hair, eyes, clothing) appears ONLY in characters[].prompts.primary. The physical description of a location appears ONLY in locations[].prompts.primary. Every other prompt refers to characters and locations by name.
3. Variant prompts are fixed. Use exactly these strings:
   characters[].prompts.face: "` + promptCharacterFace + `"
   characters[].prompts.profile: "` + promptCharacterProfile + `"
   characters[].prompts.back: "` + promptCharacterBack + `"
   locations[].prompts.angle2: "` + promptLocationAngle2 + `"
   locations[].prompts.plongee: "` + promptLocationPlongee + `"
   locations[].prompts.contrePlongee: "` + promptLocationContrePlongee + `"
4. scenes[].plans[].prompt describes the ACTION only (movement, gesture, camera). promptFirstFrame and promptLastFrame describe spatial composition only. promptLastFrame is the result of the action applied to the first frame.
5. characterRefs lists ids from characters[]; locationRef is an id from locations[] or "".
6. Number scenes from 1 and plans from 1 inside each scene, without gaps. duration is an integer number of seconds between 1 and 30.`

const repairInstruction = `The previous answer does not match the required schema:
%s

Fix it. Return ONLY the corrected JSON object, complete, matching the schema exactly.`

var reasoningInstructions = map[string]string{
	"low":    "Keep the plan short: few characters, few scenes.",
	"medium": "Balance depth and length.",
	"high":   "Think carefully about continuity between plans before answering.",
}
