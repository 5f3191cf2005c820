package iflytek

import (
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

type frameMessage struct {
	Common   *commonParams   `json:"common,omitempty"`
	Business *businessParams `json:"business,omitempty"`
	Data     frameData       `json:"data"`
}

type commonParams struct {
	AppID string `json:"app_id"`
}

type businessParams struct {
	Language  string `json:"language"`
	Domain    string `json:"domain"`
	Accent    string `json:"accent"`
	VADEOS    int    `json:"vad_eos"`
	DWA       string `json:"dwa,omitempty"`
	PD        string `json:"pd,omitempty"`
	PTT       int    `json:"ptt"`
	RLang     string `json:"rlang,omitempty"`
	VInfo     int    `json:"vinfo"`
	NuNum     int    `json:"nunum"`
	SpeexSize int    `json:"speex_size"`
	NBest     int    `json:"nbest"`
	WBest     int    `json:"wbest"`
}

type frameData struct {
	Status   int     `json:"status"`
	Format   string  `json:"format"`
	Encoding string  `json:"encoding"`
	Audio    *string `json:"audio,omitempty"`
}

type response struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	SID     string        `json:"sid"`
	Data    *responseData `json:"data"`
}

type responseData struct {
	Status int     `json:"status"`
	Result *result `json:"result"`
}

type result struct {
	SN int    `json:"sn"`
	LS bool   `json:"ls"`
	WS []word `json:"ws"`
}

type word struct {
	CW []candidate `json:"cw"`
}

type candidate struct {
	W string `json:"w"`
}

func (c *Client) handshake() frameMessage {
	return frameMessage{
		Common: &commonParams{AppID: c.creds.AppID},
		Business: &businessParams{
			Language:  c.cfg.Language,
			Domain:    c.cfg.Domain,
			Accent:    c.cfg.Accent,
			VADEOS:    c.cfg.VADEOS,
			DWA:       c.cfg.DWA,
			PD:        c.cfg.PD,
			PTT:       c.cfg.PTT,
			RLang:     c.cfg.RLang,
			VInfo:     c.cfg.VInfo,
			NuNum:     c.cfg.NuNum,
			SpeexSize: c.cfg.SpeexSize,
			NBest:     1,
			WBest:     1,
		},
		Data: c.frameData(statusFirst, nil),
	}
}

func (c *Client) frameData(status int, audioB64 *string) frameData {
	return frameData{
		Status:   status,
		Format:   audio.PCMMimeType(c.sampleRate),
		Encoding: audioEncoding,
		Audio:    audioB64,
	}
}

// fragment converts a result message. Only the top candidate of each unit is
// used.
func (r response) fragment() (stt.Fragment, bool) {
	if r.Data == nil {
		return stt.Fragment{}, false
	}
	frag := stt.Fragment{Final: r.Data.Status == statusLast}
	if r.Data.Result != nil {
		frag.Sequence = r.Data.Result.SN
		for _, ws := range r.Data.Result.WS {
			if len(ws.CW) == 0 {
				continue
			}
			frag.Words = append(frag.Words, ws.CW[0].W)
		}
	}
	return frag, true
}
