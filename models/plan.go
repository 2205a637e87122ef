package models

import "strconv"

// Plan is the canonical film plan produced by the synthesiser. The
// physical description of a character or location lives only in its
// primary prompt; every other prompt refers to it.
type Plan struct {
	Title      string      `json:"title" validate:"required" jsonschema:"description=Film title"`
	Synopsis   string      `json:"synopsis" validate:"required"`
	Characters []Character `json:"characters" validate:"dive"`
	Locations  []Location  `json:"locations" validate:"dive"`
	Scenes     []Scene     `json:"scenes" validate:"required,min=1,dive"`
}

type Character struct {
	ID          string           `json:"id"`
	Name        string           `json:"name" validate:"required"`
	Description string           `json:"description"`
	Prompts     CharacterPrompts `json:"prompts"`
}

type CharacterPrompts struct {
	Primary string `json:"primary" validate:"required" jsonschema:"description=Sole place for the physical description"`
	Face    string `json:"face"`
	Profile string `json:"profile"`
	Back    string `json:"back"`
}

type Location struct {
	ID          string          `json:"id"`
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description"`
	Prompts     LocationPrompts `json:"prompts"`
}

type LocationPrompts struct {
	Primary       string `json:"primary" validate:"required"`
	Angle2        string `json:"angle2"`
	Plongee       string `json:"plongee"`
	ContrePlongee string `json:"contrePlongee"`
}

type Scene struct {
	ID          string `json:"id"`
	SceneNumber int    `json:"sceneNumber"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Plans       []Shot `json:"plans" validate:"required,min=1,dive"`
}

// Shot is one plan inside a scene: an action prompt plus the first and
// last frame compositions it moves between.
type Shot struct {
	ID               string   `json:"id"`
	PlanNumber       int      `json:"planNumber"`
	Prompt           string   `json:"prompt" validate:"required" jsonschema:"description=Action only, no physical description"`
	PromptFirstFrame string   `json:"promptFirstFrame" validate:"required"`
	PromptLastFrame  string   `json:"promptLastFrame"`
	CharacterRefs    []string `json:"characterRefs"`
	LocationRef      string   `json:"locationRef" jsonschema:"description=Location id or empty string"`
	Duration         int      `json:"duration" validate:"gte=0"`
	CameraMovement   string   `json:"cameraMovement"`
}

// Key is the plan number used in node ids, unique across scenes.
func (s Shot) Key(sceneNumber int) string {
	return strconv.Itoa(sceneNumber) + "." + strconv.Itoa(s.PlanNumber)
}

func (p *Plan) ShotCount() int {
	n := 0
	for _, sc := range p.Scenes {
		n += len(sc.Plans)
	}
	return n
}
