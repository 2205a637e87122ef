package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
)

var characterVariants = []string{"primary", "face", "profile", "back"}
var locationVariants = []string{"primary", "angle2", "plongee", "contrePlongee"}

const (
	columnWidth = 360.0
	rowHeight   = 240.0
)

// GraphMaterialiser projects a plan onto the node graph. Given the same
// plan, settings, profile and salt it always yields the same graph.
type GraphMaterialiser struct {
	Profile  config.Profile
	Settings models.Settings
	Salt     string
}

// FrameMode resolves the effective frame mode: run settings first, then
// the profile, then first-only.
func FrameMode(settings models.Settings, profile config.Profile) models.FrameMode {
	if settings.FrameMode != "" {
		return settings.FrameMode
	}
	if profile.FrameMode != "" {
		return models.FrameMode(profile.FrameMode)
	}
	return models.FrameModeFirstOnly
}

// ExpectedNodeCount is the number of generation nodes Materialise creates.
func ExpectedNodeCount(plan *models.Plan, settings models.Settings, mode models.FrameMode) int {
	n := settings.CouplesPerPlan
	m := settings.VideosPerCouple
	frames := 1
	if mode == models.FrameModeFirstLast {
		frames = 2
	}
	shots := plan.ShotCount()
	return len(plan.Characters)*len(characterVariants) +
		len(plan.Locations)*len(locationVariants) +
		shots*n*frames +
		shots*n*m
}

func (gm *GraphMaterialiser) id(parts ...string) string {
	id := strings.Join(parts, ":")
	if gm.Salt != "" {
		return gm.Salt + ":" + id
	}
	return id
}

func (gm *GraphMaterialiser) Materialise(plan *models.Plan) (*models.Graph, models.Sequence) {
	g := &models.Graph{}
	var seq models.Sequence
	mode := FrameMode(gm.Settings, gm.Profile)
	pm := gm.Profile.Models

	add := func(id string, kind models.NodeKind, col, row int, data models.NodeData) {
		g.AddNode(&models.Node{
			ID:       id,
			Kind:     kind,
			Data:     data,
			Position: models.Position{X: float64(col) * columnWidth, Y: float64(row) * rowHeight},
		})
	}
	entry := func(id string) models.SequenceEntry {
		return models.SequenceEntry{NodeID: id, Prerequisites: g.Parents(id)}
	}

	row := 0
	charPrimary := make(map[string]string, len(plan.Characters))
	var charMembers, charVariants []string
	for _, c := range plan.Characters {
		textID := gm.id("text", "character", c.ID)
		add(textID, models.NodeText, 0, row, models.NodeData{
			Label:       c.Name,
			Text:        c.Description,
			CharacterID: c.ID,
			Status:      models.NodeCompleted,
		})
		prompts := []string{c.Prompts.Primary, c.Prompts.Face, c.Prompts.Profile, c.Prompts.Back}
		for i, variant := range characterVariants {
			id := gm.id("character", c.ID, variant)
			model, parent := pm.CharacterVariant, charPrimary[c.ID]
			if i == 0 {
				model, parent = pm.CharacterPrimary, textID
				charPrimary[c.ID] = id
			} else {
				charVariants = append(charVariants, id)
			}
			add(id, models.NodeCharacterImage, 1+i, row, models.NodeData{
				Label:       c.Name + " " + variant,
				Prompt:      prompts[i],
				ModelID:     model,
				Params:      gm.assetParams("character"),
				Variant:     variant,
				CharacterID: c.ID,
				Status:      models.NodePending,
			})
			g.Connect(parent, id)
			charMembers = append(charMembers, id)
		}
		seq.CharacterImages = append(seq.CharacterImages, entry(charPrimary[c.ID]))
		row++
	}
	for _, id := range charVariants {
		seq.CharacterImages = append(seq.CharacterImages, entry(id))
	}

	locPrimary := make(map[string]string, len(plan.Locations))
	var locMembers, locVariants []string
	for _, l := range plan.Locations {
		textID := gm.id("text", "location", l.ID)
		add(textID, models.NodeText, 0, row, models.NodeData{
			Label:      l.Name,
			Text:       l.Description,
			LocationID: l.ID,
			Status:     models.NodeCompleted,
		})
		prompts := []string{l.Prompts.Primary, l.Prompts.Angle2, l.Prompts.Plongee, l.Prompts.ContrePlongee}
		for i, variant := range locationVariants {
			id := gm.id("location", l.ID, variant)
			model, parent := pm.LocationVariant, locPrimary[l.ID]
			if i == 0 {
				model, parent = pm.LocationPrimary, textID
				locPrimary[l.ID] = id
			} else {
				locVariants = append(locVariants, id)
			}
			add(id, models.NodeLocationImage, 1+i, row, models.NodeData{
				Label:      l.Name + " " + variant,
				Prompt:     prompts[i],
				ModelID:    model,
				Params:     gm.assetParams("location"),
				Variant:    variant,
				LocationID: l.ID,
				Status:     models.NodePending,
			})
			g.Connect(parent, id)
			locMembers = append(locMembers, id)
		}
		seq.LocationImages = append(seq.LocationImages, entry(locPrimary[l.ID]))
		row++
	}
	for _, id := range locVariants {
		seq.LocationImages = append(seq.LocationImages, entry(id))
	}

	var videoCollections []*models.Node
	for _, sc := range plan.Scenes {
		for _, shot := range sc.Plans {
			key := shot.Key(sc.SceneNumber)
			var parents []string
			seen := map[string]bool{}
			for _, ref := range shot.CharacterRefs {
				if id, ok := charPrimary[ref]; ok && !seen[id] {
					seen[id] = true
					parents = append(parents, id)
				}
			}
			if id, ok := locPrimary[shot.LocationRef]; ok {
				parents = append(parents, id)
			}
			frameModel := pm.PlanFrame
			if len(parents) == 0 {
				frameModel = pm.PlanFrameNoRef
			}
			duration := shot.Duration
			if gm.Settings.TestMode || duration <= 0 {
				duration = gm.Settings.VideoDuration
			}

			var videoIDs []string
			for k := 1; k <= gm.Settings.CouplesPerPlan; k++ {
				ks := strconv.Itoa(k)
				firstID := gm.id(string(models.NodePlanFirstFrame), key, ks)
				add(firstID, models.NodePlanFirstFrame, 5, row, models.NodeData{
					Label:   fmt.Sprintf("Plan %s first frame #%d", key, k),
					Prompt:  shot.PromptFirstFrame,
					ModelID: frameModel,
					Params:  gm.assetParams("plan"),
					PlanKey: key,
					Couple:  k,
					Status:  models.NodePending,
				})
				for _, p := range parents {
					g.Connect(p, firstID)
				}
				seq.PlanImages = append(seq.PlanImages, entry(firstID))

				lastID := ""
				if mode == models.FrameModeFirstLast {
					lastID = gm.id(string(models.NodePlanLastFrame), key, ks)
					add(lastID, models.NodePlanLastFrame, 6, row, models.NodeData{
						Label:   fmt.Sprintf("Plan %s last frame #%d", key, k),
						Prompt:  shot.PromptLastFrame,
						ModelID: frameModel,
						Params:  gm.assetParams("plan"),
						PlanKey: key,
						Couple:  k,
						Status:  models.NodePending,
					})
					for _, p := range parents {
						g.Connect(p, lastID)
					}
					seq.PlanImages = append(seq.PlanImages, entry(lastID))
				}

				videoModel := pm.VideoFirst
				if lastID != "" {
					videoModel = pm.VideoFirstLast
				}
				for m := 1; m <= gm.Settings.VideosPerCouple; m++ {
					videoID := gm.id(string(models.NodeVideo), key, ks, strconv.Itoa(m))
					params := gm.assetParams("video")
					params["duration"] = duration
					add(videoID, models.NodeVideo, 7, row, models.NodeData{
						Label:    fmt.Sprintf("Plan %s video %d.%d", key, k, m),
						Prompt:   shot.Prompt,
						ModelID:  videoModel,
						Params:   params,
						PlanKey:  key,
						Couple:   k,
						Index:    m,
						Duration: duration,
						Status:   models.NodePending,
					})
					g.Connect(firstID, videoID)
					if lastID != "" {
						g.Connect(lastID, videoID)
					}
					seq.Videos = append(seq.Videos, entry(videoID))
					videoIDs = append(videoIDs, videoID)
					row++
				}
			}
			videoCollections = append(videoCollections, &models.Node{
				ID:   gm.id(string(models.NodeCollection), "videos", key),
				Kind: models.NodeCollection,
				Data: models.NodeData{Label: "Plan " + key + " videos", PlanKey: key, Members: videoIDs},
			})
		}
	}

	collections := append([]*models.Node{
		{ID: gm.id(string(models.NodeCollection), "characters"), Kind: models.NodeCollection,
			Data: models.NodeData{Label: "Characters", Members: charMembers}},
		{ID: gm.id(string(models.NodeCollection), "locations"), Kind: models.NodeCollection,
			Data: models.NodeData{Label: "Locations", Members: locMembers}},
	}, videoCollections...)
	for i, c := range collections {
		c.Data.Status = models.NodeCompleted
		c.Data.Mask = make(map[string]bool, len(c.Data.Members))
		for _, id := range c.Data.Members {
			c.Data.Mask[id] = true
		}
		c.Position = models.Position{X: 9 * columnWidth, Y: float64(i) * rowHeight}
		g.AddNode(c)
	}
	return g, seq
}

// assetParams resolves per-asset sizing from the profile: pixel
// dimensions when the profile declares them, otherwise aspect ratio plus
// the resolution tier.
func (gm *GraphMaterialiser) assetParams(asset string) map[string]any {
	params := map[string]any{}
	if dims := gm.Profile.Dimensions[asset]; dims != "" {
		params["resolution"] = dims
		return params
	}
	ratio := gm.Profile.AspectRatios[asset]
	if asset == "video" && gm.Settings.VideoAspectRatio != "" {
		ratio = gm.Settings.VideoAspectRatio
	}
	if ratio != "" {
		params["aspect_ratio"] = ratio
	}
	if gm.Profile.Resolution != "" {
		params["resolution"] = gm.Profile.Resolution
	}
	return params
}

var ErrCyclicGraph = errors.New("graph contains a cycle")

// ValidateDAG rejects graphs the scheduler cannot run: dangling edges,
// cycles, and video nodes without exactly one first-frame parent and at
// most one last-frame parent.
func ValidateDAG(g *models.Graph) error {
	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if _, ok := indeg[e.Source]; !ok {
			return newPipelineError(CodeInvalidBrief, fmt.Sprintf("edge %s: unknown source %s", e.ID, e.Source), nil)
		}
		if _, ok := indeg[e.Target]; !ok {
			return newPipelineError(CodeInvalidBrief, fmt.Sprintf("edge %s: unknown target %s", e.ID, e.Target), nil)
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		indeg[e.Target]++
	}

	queue := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range adj[id] {
			indeg[t]--
			if indeg[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	if visited != len(g.Nodes) {
		return newPipelineError(CodeInvalidBrief, "graph is not acyclic", ErrCyclicGraph)
	}

	for _, n := range g.Nodes {
		if n.Kind != models.NodeVideo {
			continue
		}
		first, last := 0, 0
		for _, p := range g.Parents(n.ID) {
			switch pn := g.Node(p); {
			case pn == nil:
			case pn.Kind == models.NodePlanFirstFrame:
				first++
			case pn.Kind == models.NodePlanLastFrame:
				last++
			default:
				return newPipelineError(CodeInvalidBrief, fmt.Sprintf("video %s consumes %s node %s", n.ID, pn.Kind, p), nil)
			}
		}
		if first != 1 || last > 1 {
			return newPipelineError(CodeInvalidBrief,
				fmt.Sprintf("video %s has %d first-frame and %d last-frame parents", n.ID, first, last), nil)
		}
	}
	return nil
}
