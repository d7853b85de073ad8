package domain

// ProtectionGroup is a logical bundle of source servers sharing a launch
// configuration. It is owned by the external catalog; the engine only
// reads it through the repository interface (pkg/repository).
type ProtectionGroup struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	TargetAccountID string          `json:"targetAccountId"`
	Region          string          `json:"region"`
	ServerSelection ServerSelection `json:"serverSelection"`
	LaunchConfig    LaunchConfig    `json:"launchConfig"`
}

// ServerSelection picks the source servers belonging to a group, either
// explicitly or through a tag expression resolved against DRS.
type ServerSelection struct {
	SourceServerIDs []string          `json:"sourceServerIds,omitempty"`
	TagSelector     map[string]string `json:"tagSelector,omitempty"`
}

// Explicit reports whether the selection names servers directly rather
// than resolving them by tag.
func (s ServerSelection) Explicit() bool {
	return len(s.SourceServerIDs) > 0
}

// LaunchConfig captures how DRS should launch recovery instances for a
// group's servers.
type LaunchConfig struct {
	SubnetID            string `json:"subnetId"`
	SecurityGroupIDs     []string `json:"securityGroupIds"`
	InstanceType        string `json:"instanceType,omitempty"`
	IAMInstanceProfile  string `json:"iamInstanceProfile,omitempty"`
	CopyTags            bool   `json:"copyTags"`
	CopyPrivateIP       bool   `json:"copyPrivateIp"`
	LicensingOSByol     bool   `json:"licensingOsByol"`
	RightSizingMethod   string `json:"rightSizingMethod,omitempty"`
	LaunchDisposition   string `json:"launchDisposition,omitempty"`
}

// WaveSpec is one step of a Recovery Plan as defined by the catalog.
type WaveSpec struct {
	WaveNumber      int   `json:"waveNumber"`
	GroupID         string `json:"groupId"`
	PauseBeforeWave bool   `json:"pauseBeforeWave"`
	DependsOn       []int  `json:"dependsOn,omitempty"`
}

// RecoveryPlan is an ordered, dependency-aware collection of waves. It is
// owned by the external catalog; the engine only reads it.
type RecoveryPlan struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Waves []WaveSpec `json:"waves"`
}

// WaveByNumber returns the wave spec with the given number, if any.
func (p RecoveryPlan) WaveByNumber(n int) (WaveSpec, bool) {
	for _, w := range p.Waves {
		if w.WaveNumber == n {
			return w, true
		}
	}
	return WaveSpec{}, false
}

// TargetAccount is the cross-account destination a wave launches into.
type TargetAccount struct {
	AccountID  string `json:"accountId"`
	RoleARN    string `json:"roleArn"`
	ExternalID string `json:"externalId"`
	Region     string `json:"region"`
}
