package service

import (
	"errors"
	"testing"

	"StoryFlow-server/models"
)

func TestMaterialiseFirstOnly(t *testing.T) {
	t.Parallel()

	plan := testPlan(1)
	settings := testSettings(1, 1)
	gm := &GraphMaterialiser{Profile: testProfile(), Settings: settings}
	g, seq := gm.Materialise(plan)

	if err := ValidateDAG(g); err != nil {
		t.Fatalf("ValidateDAG: %v", err)
	}
	want := ExpectedNodeCount(plan, settings, models.FrameModeFirstOnly)
	if want != 10 || seq.Len() != want {
		t.Fatalf("expected=%d sequence=%d, want 10", want, seq.Len())
	}
	if g.CountKind(models.NodePlanLastFrame) != 0 {
		t.Fatalf("first-only graph has last frames")
	}
	if n := g.CountKind(models.NodeText); n != 2 {
		t.Fatalf("text nodes=%d", n)
	}
	if n := g.CountKind(models.NodeCollection); n != 3 {
		t.Fatalf("collections=%d", n)
	}

	// primaries come before their variants
	if seq.CharacterImages[0].NodeID != "character:alice:primary" {
		t.Fatalf("first character entry=%s", seq.CharacterImages[0].NodeID)
	}
	face := g.Node("character:alice:face")
	if face == nil || face.Data.ModelID != "edit" {
		t.Fatalf("face node=%+v", face)
	}
	if p := g.Parents(face.ID); len(p) != 1 || p[0] != "character:alice:primary" {
		t.Fatalf("face parents=%v", p)
	}

	frame := g.Node("planFirstFrame:1.1:1")
	if frame == nil {
		t.Fatalf("missing first frame")
	}
	if p := g.Parents(frame.ID); len(p) != 2 {
		t.Fatalf("frame parents=%v", p)
	}
	video := g.Node("video:1.1:1:1")
	if video == nil || video.Data.ModelID != "i2v" || video.Data.Duration != 5 {
		t.Fatalf("video node=%+v", video)
	}
	if video.Data.Params["aspect_ratio"] != "16:9" {
		t.Fatalf("video params=%v", video.Data.Params)
	}
	for _, id := range []string{frame.ID, video.ID} {
		if g.Node(id).Data.Status != models.NodePending {
			t.Fatalf("%s status=%s", id, g.Node(id).Data.Status)
		}
	}
}

func TestMaterialiseFirstLast(t *testing.T) {
	t.Parallel()

	plan := testPlan(3)
	settings := testSettings(2, 4)
	settings.FrameMode = models.FrameModeFirstLast
	gm := &GraphMaterialiser{Profile: testProfile(), Settings: settings}
	g, seq := gm.Materialise(plan)

	if err := ValidateDAG(g); err != nil {
		t.Fatalf("ValidateDAG: %v", err)
	}
	want := ExpectedNodeCount(plan, settings, models.FrameModeFirstLast)
	if want != 44 || seq.Len() != want {
		t.Fatalf("expected=%d sequence=%d, want 44", want, seq.Len())
	}
	if n := g.CountKind(models.NodeVideo); n != 24 {
		t.Fatalf("videos=%d", n)
	}
	for _, n := range g.Nodes {
		if n.Kind != models.NodeVideo {
			continue
		}
		if p := g.Parents(n.ID); len(p) != 2 {
			t.Fatalf("%s parents=%v", n.ID, p)
		}
		if n.Data.ModelID != "flf2v" {
			t.Fatalf("%s model=%s", n.ID, n.Data.ModelID)
		}
	}
}

func TestMaterialiseDeterministic(t *testing.T) {
	t.Parallel()

	gm := &GraphMaterialiser{Profile: testProfile(), Settings: testSettings(2, 2)}
	a, _ := gm.Materialise(testPlan(2))
	b, _ := gm.Materialise(testPlan(2))
	if len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		t.Fatalf("graphs differ in size")
	}
	for i := range a.Nodes {
		if a.Nodes[i].ID != b.Nodes[i].ID || a.Nodes[i].Position != b.Nodes[i].Position {
			t.Fatalf("node %d: %s vs %s", i, a.Nodes[i].ID, b.Nodes[i].ID)
		}
	}
}

func TestMaterialiseWithoutReferences(t *testing.T) {
	t.Parallel()

	plan := testPlan(1)
	plan.Scenes[0].Plans[0].CharacterRefs = nil
	plan.Scenes[0].Plans[0].LocationRef = ""
	gm := &GraphMaterialiser{Profile: testProfile(), Settings: testSettings(1, 1)}
	g, _ := gm.Materialise(plan)

	frame := g.Node("planFirstFrame:1.1:1")
	if frame.Data.ModelID != "t2i" {
		t.Fatalf("unreferenced frame model=%s", frame.Data.ModelID)
	}
	if p := g.Parents(frame.ID); len(p) != 0 {
		t.Fatalf("parents=%v", p)
	}
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	t.Parallel()

	g := &models.Graph{}
	g.AddNode(&models.Node{ID: "a", Kind: models.NodeCharacterImage})
	g.AddNode(&models.Node{ID: "b", Kind: models.NodeCharacterImage})
	g.Connect("a", "b")
	g.Connect("b", "a")

	err := ValidateDAG(g)
	if ErrorCode(err) != CodeInvalidBrief || !errors.Is(err, ErrCyclicGraph) {
		t.Fatalf("err=%v", err)
	}
}

func TestValidateDAGRejectsDanglingEdge(t *testing.T) {
	t.Parallel()

	g := &models.Graph{}
	g.AddNode(&models.Node{ID: "a", Kind: models.NodeCharacterImage})
	g.Connect("a", "ghost")
	if err := ValidateDAG(g); ErrorCode(err) != CodeInvalidBrief {
		t.Fatalf("err=%v", err)
	}
}

func TestFrameModePrecedence(t *testing.T) {
	t.Parallel()

	profile := testProfile()
	profile.FrameMode = string(models.FrameModeFirstLast)
	if m := FrameMode(models.Settings{}, profile); m != models.FrameModeFirstLast {
		t.Fatalf("profile mode=%s", m)
	}
	if m := FrameMode(models.Settings{FrameMode: models.FrameModeFirstOnly}, profile); m != models.FrameModeFirstOnly {
		t.Fatalf("settings mode=%s", m)
	}
}
