package insight

import "github.com/shelfscope/api/internal/model"

const systemPreamble = "You are a marketplace listing analyst. Answer in concise markdown. " +
	"Base every statement on the JSON data provided; say so when a field is missing instead of guessing."

var sectionPrompts = map[model.InsightSection]string{
	model.SectionProductAnalysis: "Assess the subject product: title quality, price point, rating and review signals, " +
		"feature coverage and obvious listing gaps.",
	model.SectionCompetitorAnalysis: "Compare the subject product against the related products: price position, " +
		"rating and review volume, feature differences and where competitors are stronger.",
	model.SectionMarketPositioning: "Using the prior analyses, recommend a market positioning: target customer, " +
		"differentiators to emphasise and a pricing stance.",
	model.SectionListingOptimizer: "Using the prior analyses and positioning, propose concrete listing changes: " +
		"a rewritten title, five bullet points and keywords to add.",
}

func systemPrompt(section model.InsightSection) string {
	return systemPreamble + "\n\n" + sectionPrompts[section]
}
