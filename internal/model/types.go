package model

import "time"

// AudioTrack selects between the original-language and dubbed stream
// listings of an episode. Each track has its own independent server list.
type AudioTrack string

const (
	TrackOriginal AudioTrack = "original"
	TrackDubbed   AudioTrack = "dubbed"
)

func (t AudioTrack) Valid() bool {
	return t == TrackOriginal || t == TrackDubbed
}

// Other returns the opposite track.
func (t AudioTrack) Other() AudioTrack {
	if t == TrackOriginal {
		return TrackDubbed
	}
	return TrackOriginal
}

type MediaKind string

const (
	MediaHLS         MediaKind = "hls"
	MediaProgressive MediaKind = "progressive"
)

func (k MediaKind) Valid() bool {
	return k == MediaHLS || k == MediaProgressive
}

// SkipWindow is an intro or outro range in seconds from media start.
type SkipWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (w SkipWindow) Contains(position float64) bool {
	return position >= w.Start && position < w.End
}

type CaptionTrack struct {
	FileURL string `json:"file_url"`
	Label   string `json:"label"`
	Kind    string `json:"kind"`
}

// SourceCandidate is one playable URL with the headers its origin CDN
// requires. Headers belong to this candidate only; they are never valid
// against another candidate's URL.
type SourceCandidate struct {
	DirectURL string            `json:"direct_url"`
	ProxyURL  string            `json:"proxy_url,omitempty"`
	Kind      MediaKind         `json:"media_kind"`
	Headers   map[string]string `json:"headers,omitempty"`
	Quality   string            `json:"quality,omitempty"`
}

// ServerEntry is one named streaming provider for a given audio track.
type ServerEntry struct {
	Name     string           `json:"name"`
	Track    AudioTrack       `json:"track"`
	Sources  []SourceCandidate `json:"sources"`
	Captions []CaptionTrack   `json:"captions,omitempty"`
	Intro    *SkipWindow      `json:"intro,omitempty"`
	Outro    *SkipWindow      `json:"outro,omitempty"`
}

// StreamCatalog is the normalized server listing for one episode and
// one audio track. Immutable once fetched.
type StreamCatalog struct {
	EpisodeID string        `json:"episode_id"`
	Track     AudioTrack    `json:"track"`
	Servers   []ServerEntry `json:"servers"`
}

func (c StreamCatalog) Empty() bool {
	return len(c.Servers) == 0
}

type DownloadStatus string

const (
	DownloadQueued    DownloadStatus = "queued"
	DownloadRunning   DownloadStatus = "running"
	DownloadCompleted DownloadStatus = "completed"
	DownloadFailed    DownloadStatus = "failed"
)

// DownloadJob is one entry in the local download queue.
type DownloadJob struct {
	ID        string            `json:"id"`
	EpisodeID string            `json:"episode_id"`
	SourceURL string            `json:"source_url"`
	Headers   map[string]string `json:"headers,omitempty"`
	DestPath  string            `json:"dest_path"`
	Status    DownloadStatus    `json:"status"`
	Error     string            `json:"error,omitempty"`
	Retries   int               `json:"retries"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// LibraryItem is a completed download found on disk.
type LibraryItem struct {
	EpisodeID   string    `json:"episode_id"`
	FilePath    string    `json:"file_path"`
	SizeBytes   int64     `json:"size_bytes"`
	HasSubtitle bool      `json:"has_subtitle"`
	ModifiedAt  time.Time `json:"modified_at"`
}
