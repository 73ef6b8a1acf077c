package catalog

import (
	"github.com/polisai/polis-safety/pkg/action"
	"github.com/polisai/polis-safety/pkg/domain"
)

// baseCombinations is the set every builtin category supports.
var baseCombinations = []Combination{
	{DetectorPattern, action.KindBlock},
	{DetectorLLM, action.KindBlock},
	{DetectorLLMFinder, action.KindBlock},
	{DetectorPattern, action.KindRaise},
	{DetectorLLM, action.KindRaise},
}

type presetDef struct {
	suffix   string
	detector DetectorKind
	action   action.Kind
}

var basePresets = []presetDef{
	{"block", DetectorPattern, action.KindBlock},
	{"block.llm", DetectorLLM, action.KindBlock},
	{"block.llm_finder", DetectorLLMFinder, action.KindBlock},
	{"raise", DetectorPattern, action.KindRaise},
	{"raise.llm", DetectorLLM, action.KindRaise},
}

func registerCategory(r *Registry, spec CategorySpec, extra ...presetDef) error {
	if err := r.Register(spec); err != nil {
		return err
	}
	for _, def := range append(append([]presetDef(nil), basePresets...), extra...) {
		name := string(spec.ID) + "." + def.suffix
		if err := r.RegisterPreset(name, Spec{
			Category:  spec.ID,
			Detectors: []DetectorKind{def.detector},
			Action:    def.action,
		}); err != nil {
			return err
		}
	}
	return nil
}

func combinations(extra ...Combination) []Combination {
	return append(append([]Combination(nil), baseCombinations...), extra...)
}

func registerCrypto(r *Registry) error {
	return registerCategory(r, CategorySpec{
		ID: domain.CategoryCrypto,
		Description: "Cryptocurrency promotion or solicitation: requests to send or buy coins, " +
			"wallet addresses, seed or recovery phrases, private keys, and investment schemes " +
			"promising crypto returns.",
		Threshold: 0.6,
		Allowed: combinations(
			Combination{DetectorPattern, action.KindReplace},
			Combination{DetectorLLMFinder, action.KindReplace},
			Combination{DetectorLLMFinder, action.KindRaise},
		),
	},
		presetDef{"replace", DetectorPattern, action.KindReplace},
		presetDef{"replace.llm_finder", DetectorLLMFinder, action.KindReplace},
		presetDef{"raise.llm_finder", DetectorLLMFinder, action.KindRaise},
	)
}

func registerPhone(r *Registry) error {
	return registerCategory(r, CategorySpec{
		ID:          domain.CategoryPhone,
		Description: "Telephone numbers in any national or international format, including tel: links.",
		Threshold:   0.5,
		Allowed: combinations(
			Combination{DetectorPattern, action.KindReplace},
			Combination{DetectorLLMFinder, action.KindReplace},
		),
	},
		presetDef{"anonymize", DetectorPattern, action.KindReplace},
		presetDef{"anonymize.llm_finder", DetectorLLMFinder, action.KindReplace},
	)
}

func registerSensitiveSocial(r *Registry) error {
	return registerCategory(r, CategorySpec{
		ID: domain.CategorySensitiveSocial,
		Description: "Sensitive social and political issues: elections and partisan politics, abortion, " +
			"gun control, gender identity, discrimination and racism, armed conflict and terrorism.",
		Threshold: 0.7,
		Allowed:   combinations(),
	})
}

func registerAdultContent(r *Registry) error {
	return registerCategory(r, CategorySpec{
		ID: domain.CategoryAdultContent,
		Description: "Sexual or adult-only content: explicit sexual descriptions, pornography, " +
			"solicitation of sexual services, and sexualised references to minors.",
		Threshold: 0.75,
		Allowed:   combinations(),
	})
}
