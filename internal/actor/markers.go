package actor

// InputBase is embedded by input types.
type InputBase struct{}

func (InputBase) isActorInput() {}

// EffectBase is embedded by effect types.
type EffectBase struct{}

func (EffectBase) isActorEffect() {}
