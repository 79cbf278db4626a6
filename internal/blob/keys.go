package blob

import "fmt"

// Persisted state layout:
//
//	jobs/{job}/tasks/{task}/input.json
//	jobs/{job}/tasks/{task}/output.json
//	jobs/{job}/tasks/{task}/artifacts/{name}
//	jobs/{job}/audio/{name}           (prepared.wav, prepared_ch{n}.wav, redacted.wav)
//	jobs/{job}/transcript.json
//	sessions/{session}/audio.wav
//	sessions/{session}/transcript.json

// TaskInputKey is the canonical key of a task's input.json.
func TaskInputKey(jobID, taskID string) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/input.json", jobID, taskID)
}

// TaskOutputKey is the canonical key of a task's output.json. Its existence
// is the ground truth for task completion.
func TaskOutputKey(jobID, taskID string) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/output.json", jobID, taskID)
}

// ArtifactBase is the key prefix for a task's named artifacts.
func ArtifactBase(jobID, taskID string) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/artifacts", jobID, taskID)
}

// ArtifactKey is the key of one named task artifact.
func ArtifactKey(jobID, taskID, name string) string {
	return ArtifactBase(jobID, taskID) + "/" + name
}

// AudioBase is the key prefix for a job's shared audio artifacts.
func AudioBase(jobID string) string {
	return fmt.Sprintf("jobs/%s/audio", jobID)
}

// AudioKey is the key of one job-level audio artifact.
func AudioKey(jobID, name string) string {
	return AudioBase(jobID) + "/" + name
}

// TranscriptKey is the key of the job's canonical transcript.
func TranscriptKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/transcript.json", jobID)
}

// SessionAudioKey is the key of a real-time session's stored audio.
func SessionAudioKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/audio.wav", sessionID)
}

// SessionTranscriptKey is the key of a real-time session's stored
// transcript.
func SessionTranscriptKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/transcript.json", sessionID)
}
