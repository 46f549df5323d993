package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamb-project/lamb-kb-server/internal/kberr"
	"github.com/lamb-project/lamb-kb-server/pkg/models"
)

// DefaultChunkDuration groups captions into chunks of this many seconds.
const DefaultChunkDuration = 60

// youtubeIngest fetches video captions and groups them into timed chunks.
// Videos without captions are skipped; a job producing zero chunks overall
// fails.
type youtubeIngest struct {
	client    *http.Client
	watchBase string
}

func newYouTubeIngest() *youtubeIngest {
	return &youtubeIngest{
		client:    &http.Client{Timeout: fetchTimeout},
		watchBase: "https://www.youtube.com",
	}
}

func (p *youtubeIngest) Name() string { return "youtube_transcript_ingest" }
func (p *youtubeIngest) Kind() Kind   { return KindRemote }

func (p *youtubeIngest) Description() string {
	return "Fetch YouTube captions and group them into timed transcript chunks"
}

func (p *youtubeIngest) SupportedFileTypes() []string { return []string{"txt"} }

func (p *youtubeIngest) Parameters() []Parameter {
	return []Parameter{
		{Name: "video_url", Type: "string", Description: "Video URL, or omit to read one URL per line from the uploaded file"},
		{Name: "language", Type: "string", Description: "Preferred caption language", Default: "en"},
		{Name: "chunk_duration", Type: "integer", Description: "Seconds of captions per chunk", Default: DefaultChunkDuration},
	}
}

func (p *youtubeIngest) Ingest(ctx context.Context, filePath string, params map[string]any) ([]models.ChunkInput, error) {
	urls, err := videoURLs(filePath, params)
	if err != nil {
		return nil, err
	}

	language := paramStr(params, "language", "en")
	duration := paramInt(params, "chunk_duration", DefaultChunkDuration)
	if duration <= 0 {
		return nil, kberr.New(kberr.BadInput, "chunk_duration must be positive, got %d", duration)
	}

	var all []models.ChunkInput
	for _, videoURL := range urls {
		chunks, err := p.ingestVideo(ctx, videoURL, language, duration)
		if err != nil {
			// Caption-less or unreachable videos are skipped, not fatal.
			log.Warn().Err(err).Str("video_url", videoURL).Msg("skipping video")
			continue
		}
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return nil, kberr.New(kberr.PluginError, "no captions available for any of %d video(s)", len(urls))
	}
	return all, nil
}

// videoURLs resolves the video list: the video_url parameter, or one URL per
// line of the uploaded file.
func videoURLs(filePath string, params map[string]any) ([]string, error) {
	if u := paramStr(params, "video_url", ""); u != "" {
		return []string{u}, nil
	}
	if filePath == "" {
		return nil, kberr.New(kberr.BadInput, "video_url parameter or an uploaded URL list is required")
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, kberr.Wrap(kberr.PluginError, err, "open URL list %s", filePath)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, kberr.Wrap(kberr.PluginError, err, "read URL list")
	}
	if len(urls) == 0 {
		return nil, kberr.New(kberr.BadInput, "URL list file is empty")
	}
	return urls, nil
}

func (p *youtubeIngest) ingestVideo(ctx context.Context, videoURL, language string, chunkDuration int) ([]models.ChunkInput, error) {
	videoID, err := extractVideoID(videoURL)
	if err != nil {
		return nil, err
	}

	tracks, err := p.captionTracks(ctx, videoID)
	if err != nil {
		return nil, err
	}
	track, ok := pickTrack(tracks, language)
	if !ok {
		return nil, fmt.Errorf("no caption tracks for video %s", videoID)
	}

	captions, err := p.fetchCaptions(ctx, track.BaseURL)
	if err != nil {
		return nil, err
	}
	return groupCaptions(captions, videoID, videoURL, track.LanguageCode, chunkDuration), nil
}

// extractVideoID handles watch?v=, youtu.be/, shorts/, and embed/ forms.
func extractVideoID(videoURL string) (string, error) {
	u, err := url.Parse(videoURL)
	if err != nil {
		return "", kberr.Wrap(kberr.BadInput, err, "invalid video URL %s", videoURL)
	}
	if id := u.Query().Get("v"); id != "" {
		return id, nil
	}
	path := strings.Trim(u.Path, "/")
	if strings.Contains(u.Host, "youtu.be") && path != "" {
		return path, nil
	}
	for _, prefix := range []string{"shorts/", "embed/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			return rest, nil
		}
	}
	return "", kberr.New(kberr.BadInput, "cannot extract video id from %s", videoURL)
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
}

// captionTracks scrapes the watch page for its caption track listing.
func (p *youtubeIngest) captionTracks(ctx context.Context, videoID string) ([]captionTrack, error) {
	watchURL := p.watchBase + "/watch?v=" + url.QueryEscape(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, watchURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch watch page: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read watch page: %w", err)
	}

	const marker = `"captionTracks":`
	idx := strings.Index(string(body), marker)
	if idx < 0 {
		return nil, fmt.Errorf("no caption tracks on video %s", videoID)
	}
	// The marker is followed by a JSON array; decode just that.
	dec := json.NewDecoder(strings.NewReader(string(body[idx+len(marker):])))
	var tracks []captionTrack
	if err := dec.Decode(&tracks); err != nil {
		return nil, fmt.Errorf("decode caption tracks: %w", err)
	}
	return tracks, nil
}

// pickTrack prefers the requested language, then English, then any.
func pickTrack(tracks []captionTrack, language string) (captionTrack, bool) {
	for _, want := range []string{language, "en"} {
		for _, t := range tracks {
			if t.LanguageCode == want || strings.HasPrefix(t.LanguageCode, want+"-") {
				return t, true
			}
		}
	}
	if len(tracks) > 0 {
		return tracks[0], true
	}
	return captionTrack{}, false
}

type timedText struct {
	Texts []struct {
		Start    float64 `xml:"start,attr"`
		Duration float64 `xml:"dur,attr"`
		Body     string  `xml:",chardata"`
	} `xml:"text"`
}

type caption struct {
	start, end float64
	text       string
}

func (p *youtubeIngest) fetchCaptions(ctx context.Context, baseURL string) ([]caption, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch captions: %w", err)
	}
	defer resp.Body.Close()

	var tt timedText
	if err := xml.NewDecoder(resp.Body).Decode(&tt); err != nil {
		return nil, fmt.Errorf("decode captions: %w", err)
	}

	captions := make([]caption, 0, len(tt.Texts))
	for _, t := range tt.Texts {
		text := strings.TrimSpace(t.Body)
		if text == "" {
			continue
		}
		captions = append(captions, caption{start: t.Start, end: t.Start + t.Duration, text: text})
	}
	return captions, nil
}

// groupCaptions merges consecutive captions until each group covers
// chunkDuration seconds.
func groupCaptions(captions []caption, videoID, videoURL, language string, chunkDuration int) []models.ChunkInput {
	var chunks []models.ChunkInput
	var texts []string
	var start, end float64
	open := false

	flush := func() {
		if !open {
			return
		}
		chunks = append(chunks, models.ChunkInput{
			Text: strings.Join(texts, " "),
			Metadata: map[string]any{
				"video_id":        videoID,
				"language":        language,
				"start_time":      start,
				"end_time":        end,
				"start_timestamp": formatTimestamp(start),
				"end_timestamp":   formatTimestamp(end),
				"source_url":      fmt.Sprintf("%s&t=%ds", videoURL, int(start)),
			},
		})
		texts, open = nil, false
	}

	for _, c := range captions {
		if !open {
			start, open = c.start, true
		}
		texts = append(texts, c.text)
		end = c.end
		if end-start >= float64(chunkDuration) {
			flush()
		}
	}
	flush()
	return chunks
}

// formatTimestamp renders seconds as H:MM:SS.
func formatTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
