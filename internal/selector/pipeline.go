package selector

import (
	"context"
	"strings"

	"github.com/dalstonhq/dalston/pkg/types"
)

// SelectForJob resolves the engine for every stage the job's parameters call
// for. Conditional stages depend on the chosen transcriber: align is added
// only when word timestamps are requested and the transcriber lacks them
// natively; diarize only when diarization is requested and the transcriber
// does not include it. The returned map is consumed by the DAG builder.
func (s *Selector) SelectForJob(ctx context.Context, params types.JobParams) (map[types.Stage]Selection, error) {
	lang := ""
	if params.LanguageKnown() {
		lang = strings.ToLower(params.Language)
	}

	selections := make(map[types.Stage]Selection)

	pick := func(stage types.Stage, req Requirements) error {
		req.Preference = params.EnginePreferences[stage]
		sel, err := s.Select(ctx, stage, req)
		if err != nil {
			return err
		}
		selections[stage] = *sel
		return nil
	}

	if err := pick(types.StagePrepare, Requirements{}); err != nil {
		return nil, err
	}
	if err := pick(types.StageTranscribe, Requirements{Language: lang}); err != nil {
		return nil, err
	}
	transcriber := selections[types.StageTranscribe].Capabilities

	if params.WordTimestamps() && !transcriber.WordTimestamps {
		if err := pick(types.StageAlign, Requirements{Language: lang}); err != nil {
			return nil, err
		}
	}
	if params.SpeakerDetection == types.SpeakerDiarize && !transcriber.Diarization {
		if err := pick(types.StageDiarize, Requirements{}); err != nil {
			return nil, err
		}
	}
	if params.PIIDetect {
		if err := pick(types.StagePIIDetect, Requirements{Language: lang}); err != nil {
			return nil, err
		}
		if params.RedactAudio {
			if err := pick(types.StageAudioRedact, Requirements{}); err != nil {
				return nil, err
			}
		}
	}
	if err := pick(types.StageMerge, Requirements{}); err != nil {
		return nil, err
	}

	return selections, nil
}
