package bus

const (
	TopicSkillsRebuilt       = "skills.rebuilt"
	TopicSkillToggled        = "skills.toggled"
	TopicPolicyReloaded      = "policy.reloaded"
	TopicCapabilitiesChanged = "sandbox.capabilities"
	TopicWorkspaceSwept      = "workspace.swept"
	TopicSessionCompressed   = "session.compressed"
)

type SkillsRebuiltNotice struct {
	Version uint64 `json:"version"`
	Count   int    `json:"count"`
}

type SkillToggledNotice struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type PolicyReloadedNotice struct {
	Version string `json:"version"`
}

type CapabilitiesNotice struct {
	Python bool `json:"python"`
	R      bool `json:"r"`
}

type SweepNotice struct {
	Staging int `json:"staging"`
	Orphans int `json:"orphans"`
}

type CompressedNotice struct {
	SessionID     string `json:"session_id"`
	ArchivedTurns int    `json:"archived_turns"`
}
