package tracker

// Torrent is the live counters the per-torrent loop hands the announcer
// each cycle; Request turns them into a transport-agnostic
// AnnounceRequest for whichever Tracker is being announced to.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}

// Request builds an AnnounceRequest for event, filling in NumWant with the
// tracker-conventional default of 50.
func (t Torrent) Request(event Event) AnnounceRequest {
	return AnnounceRequest{
		InfoHash:   t.InfoHash,
		PeerID:     t.PeerID,
		Port:       t.Port,
		Event:      event,
		Uploaded:   t.BytesUploaded,
		Downloaded: t.BytesDownloaded,
		Left:       t.BytesLeft,
		NumWant:    50,
	}
}
