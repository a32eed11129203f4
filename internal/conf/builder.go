package conf

import "time"

// SettingsBuilder builds Settings for tests and embedding callers without
// touching the global viper instance.
type SettingsBuilder struct {
	settings *Settings
}

// NewTestSettings starts a builder from defaults.
func NewTestSettings() *SettingsBuilder {
	return &SettingsBuilder{settings: DefaultSettings()}
}

// WithBand sets a custom scan range in kHz.
func (b *SettingsBuilder) WithBand(minKHz, maxKHz, stepKHz int) *SettingsBuilder {
	b.settings.Band.MinKHz = minKHz
	b.settings.Band.MaxKHz = maxKHz
	b.settings.Band.StepKHz = stepKHz
	return b
}

// WithAudio sets the PCM read geometry.
func (b *SettingsBuilder) WithAudio(chunkBytes, bufferChunks int) *SettingsBuilder {
	b.settings.Audio.ChunkBytes = chunkBytes
	b.settings.Audio.BufferChunks = bufferChunks
	return b
}

// WithDSPCommand replaces the demodulator pipeline and its toolkit.
func (b *SettingsBuilder) WithDSPCommand(command string, toolkit ...string) *SettingsBuilder {
	b.settings.DSP.Command = command
	b.settings.DSP.Toolkit = toolkit
	return b
}

// WithPlaybackCommand replaces the playback sink command.
func (b *SettingsBuilder) WithPlaybackCommand(command string) *SettingsBuilder {
	b.settings.Playback.Command = command
	return b
}

// WithDecoderCommand replaces the metadata decoder pipeline.
func (b *SettingsBuilder) WithDecoderCommand(command string) *SettingsBuilder {
	b.settings.RDS.DecoderCommand = command
	return b
}

// WithRDS sets refresher timing in seconds.
func (b *SettingsBuilder) WithRDS(enabled bool, intervalS, captureS int) *SettingsBuilder {
	b.settings.RDS.Enabled = enabled
	b.settings.RDS.IntervalS = intervalS
	b.settings.RDS.CaptureS = captureS
	return b
}

// WithRecording sets the recording directory and format.
func (b *SettingsBuilder) WithRecording(dir, format string) *SettingsBuilder {
	b.settings.Recording.OutputDir = dir
	b.settings.Recording.Format = format
	return b
}

// WithStationsPath sets the station database file.
func (b *SettingsBuilder) WithStationsPath(path string) *SettingsBuilder {
	b.settings.Stations.Path = path
	return b
}

// WithTermination sets process teardown timeouts.
func (b *SettingsBuilder) WithTermination(graceful, killWait, finalize time.Duration) *SettingsBuilder {
	b.settings.Termination = TerminationSettings{
		GracefulTimeout: graceful,
		KillWait:        killWait,
		FinalizeTimeout: finalize,
	}
	return b
}

// Build returns the settings. The builder must not be reused afterwards.
func (b *SettingsBuilder) Build() *Settings {
	return b.settings
}
