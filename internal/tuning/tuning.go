package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Seed int64 `yaml:"seed"`

	ChunkEdge    int     `yaml:"chunk_edge"`
	SurfaceLevel float64 `yaml:"surface_level"`

	Scheduler Scheduler `yaml:"scheduler"`
	Buffers   Buffers   `yaml:"buffers"`
	Terrain   Terrain   `yaml:"terrain"`
	Persist   Persist   `yaml:"persist"`
}

type Scheduler struct {
	TickEveryMs     int `yaml:"tick_every_ms"`
	BudgetFloor     int `yaml:"budget_floor"`
	BudgetCeiling   int `yaml:"budget_ceiling"`
	UnloadSubBudget int `yaml:"unload_sub_budget"`
	MaxRetries      int `yaml:"max_retries"`
	SweepEveryTicks int `yaml:"sweep_every_ticks"`

	// Frame-time window used for the dynamic budget.
	FrameWindow   int `yaml:"frame_window"`
	TargetFrameMs int `yaml:"target_frame_ms"`
}

type Buffers struct {
	InitialVertices int `yaml:"initial_vertices"`
	MaxVertices     int `yaml:"max_vertices"`

	// Pool memory pressure threshold in bytes; above this the scheduler
	// budget is squeezed toward the floor.
	PressureBytes int64 `yaml:"pressure_bytes"`
}

type Terrain struct {
	BaseHeight       float64 `yaml:"base_height"`
	GradientStrength float64 `yaml:"gradient_strength"`
	NoiseScale       float64 `yaml:"noise_scale"`
	Octaves          int     `yaml:"octaves"`
	Persistence      float64 `yaml:"persistence"`
	Lacunarity       float64 `yaml:"lacunarity"`

	ZoneRegionSize  int     `yaml:"zone_region_size"`
	MountainAmplify float64 `yaml:"mountain_amplify"`
	ZoneBlendRadius float64 `yaml:"zone_blend_radius"`
	VoxelHitpoints  float64 `yaml:"voxel_hitpoints"`
}

type Persist struct {
	CompressSnapshots   bool `yaml:"compress_snapshots"`
	BackupCorrupt       bool `yaml:"backup_corrupt"`
	CompactAfterEntries int  `yaml:"compact_after_entries"`

	ClassifyMergeEveryMs int `yaml:"classify_merge_every_ms"`
	ClassifyCacheMax     int `yaml:"classify_cache_max"`

	DisableIndex bool `yaml:"disable_index"`
}

func Defaults() Tuning {
	return Tuning{
		Seed:         1337,
		ChunkEdge:    16,
		SurfaceLevel: 0,
		Scheduler: Scheduler{
			TickEveryMs:     16,
			BudgetFloor:     2,
			BudgetCeiling:   24,
			UnloadSubBudget: 2,
			MaxRetries:      3,
			SweepEveryTicks: 64,
			FrameWindow:     32,
			TargetFrameMs:   16,
		},
		Buffers: Buffers{
			InitialVertices: 4096,
			MaxVertices:     262144,
			PressureBytes:   256 << 20,
		},
		Terrain: Terrain{
			BaseHeight:       24,
			GradientStrength: 16,
			NoiseScale:       1.0 / 64.0,
			Octaves:          4,
			Persistence:      0.5,
			Lacunarity:       2.0,
			ZoneRegionSize:   256,
			MountainAmplify:  2.5,
			ZoneBlendRadius:  48,
			VoxelHitpoints:   100,
		},
		Persist: Persist{
			CompressSnapshots:    true,
			BackupCorrupt:        true,
			CompactAfterEntries:  1000,
			ClassifyMergeEveryMs: 5000,
			ClassifyCacheMax:     65536,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, t.Validate()
}

func (t Tuning) Validate() error {
	if t.ChunkEdge < 2 || t.ChunkEdge > 64 {
		return fmt.Errorf("chunk_edge %d out of range [2,64]", t.ChunkEdge)
	}
	if t.Scheduler.BudgetFloor < 1 {
		return fmt.Errorf("budget_floor must be >= 1")
	}
	if t.Scheduler.BudgetCeiling < t.Scheduler.BudgetFloor {
		return fmt.Errorf("budget_ceiling %d < budget_floor %d",
			t.Scheduler.BudgetCeiling, t.Scheduler.BudgetFloor)
	}
	if t.Buffers.InitialVertices < 256 {
		return fmt.Errorf("initial_vertices must be >= 256")
	}
	if t.Buffers.MaxVertices < t.Buffers.InitialVertices {
		return fmt.Errorf("max_vertices %d < initial_vertices %d",
			t.Buffers.MaxVertices, t.Buffers.InitialVertices)
	}
	if t.Persist.CompactAfterEntries < 1 {
		return fmt.Errorf("compact_after_entries must be >= 1")
	}
	return nil
}
