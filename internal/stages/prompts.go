package stages

const jsonOnly = "Respond with a single JSON object and nothing else."

const titleSystem = "You are an expert SEO strategist."

const titlePrompt = `Analyze the topic and generate 5-7 SEO-optimized title suggestions.

## Input
- Topic: {topic}
- Target Audience: {target_audience}
- Content Goal: {goal}
- Tone: {tone}
- Expertise Level: {expertise_level}

## Requirements
1. Each title must be unique
2. Titles should be 50-60 characters
3. Avoid clickbait
4. Include primary keywords naturally
5. Match the specified tone

` + jsonOnly + `
Schema: {"titles": [{"title": "...", "description": "angle and appeal", "search_intent": "informational|navigational|transactional|commercial", "difficulty": 1-10}]}`

const planSystem = "You are a senior content strategist."

const planPrompt = `Create a detailed blog outline for the following:

## Input
- Selected Title: {title}
- Topic: {topic}
- Target Audience: {target_audience}
- Content Goal: {goal}
- Tone: {tone}
- Expertise Level: {expertise_level}
- Target Word Count: {word_count_min} - {word_count_max} words

## Requirements
1. Start with a compelling introduction hook
2. Organize content in logical, scannable sections
3. Include 3-5 key talking points per section
4. Suggest specific research areas for each section
5. Allocate realistic word counts based on topic complexity
6. End with a strong conclusion and CTA

` + jsonOnly + `
Schema: {"sections": [{"heading": "...", "section_type": "introduction|body|conclusion", "key_points": ["..."], "research_areas": ["..."], "estimated_words": 300, "order": 1}]}`

const researchSystem = "You are a deep research specialist."

const researchPrompt = `Research the following section thoroughly.

## Section Details
- Heading: {heading}
- Key Points to Cover: {key_points}
- Context: Part of article on "{topic}" for {target_audience}

## Research Requirements
1. Identify 3-5 authoritative sources
2. Extract specific facts, statistics, and data points
3. Find relevant quotes from experts if available
4. Note the credibility and freshness of each source
5. Identify any conflicting information between sources
{web_results}
` + jsonOnly + `
Schema: {"heading": "...", "sources": [{"url": "...", "title": "...", "domain_authority": 0-100, "freshness_score": 0.0-1.0, "credibility_assessment": "..."}], "key_facts": ["..."], "statistics": ["..."], "quotes": ["..."], "summary": "..."}`

const writerSystem = "You are an expert content writer."

const writerPrompt = `Write the following section based on the provided research.

## Section Details
- Heading: {heading}
- Key Points to Cover: {key_points}
- Target Word Count: {word_count} words
- Tone: {tone}
- Expertise Level: {expertise_level}

## Research Material
{research_content}

## Available Sources
{sources}

## Writing Guidelines
1. Start with a strong opening
2. Cover all key points naturally
3. Use inline citations for all facts [1], statistics [2], quotes [3]
4. Match the specified tone throughout
5. Use appropriate vocabulary for the expertise level
6. Include specific examples and data points
7. End with a smooth transition

Write the section content in markdown. Use literal \n characters for newlines
inside JSON strings; do not flatten tables into a single line.
` + jsonOnly + `
Schema: {"heading": "...", "content": "markdown", "word_count": 0, "citations": ["..."]}`

const insightSystem = "You are a rigorous content quality evaluator."

const insightPrompt = `Evaluate the following content for I-N-S-I-G-H-T compliance:

## Content to Evaluate
{content}

## Topic Context
- Topic: {topic}
- Target Audience: {target_audience}
- Content Goal: {goal}

## Evaluation Criteria
- Inspiring (0-100): does it captivate the reader, is there an emotional or intellectual hook?
- Novel (0-100): is there a unique angle or counter-intuitive insight, avoiding generic tropes?
- Structured (0-100): is the flow logical, are headings and formatting used effectively?
- Informative (0-100): is the information density high, with specifics over generalities?
- Grounded (0-100): are there examples, data, or real-world scenarios?
- Helpful (0-100): does it address the reader's needs with actionable advice?
- Trustworthy (0-100): is the tone objective and balanced, are claims credible?

` + jsonOnly + `
Schema: {"insight_score_inspiring": 0, "insight_score_novel": 0, "insight_score_structured": 0, "insight_score_informative": 0, "insight_score_grounded": 0, "insight_score_helpful": 0, "insight_score_trustworthy": 0, "primary_insight": "...", "feedback": ["..."], "suggestions": ["..."]}`

const editorSystem = "You are a senior editor."

const editorPrompt = `Polish and improve the following content.

## Original Content
{content}

## External Sources (Reference)
{sources}

## Reviewer Feedback
{feedback}

## Topic Context
- Topic: {topic}
- Target Audience: {target_audience}
- Goal: {goal}
- Tone: {tone}
- Expertise Level: {expertise_level}

## Editing Guidelines
1. Improve clarity, flow, and readability
2. Ensure consistency in tone and style
3. Check for any hallucinations or unsupported claims
4. Verify all inline citations are preserved and formatted correctly
5. Apply the reviewer feedback where it strengthens the piece
6. Ensure headings are logical and consistent

Maintain all markdown formatting, including tables and lists. Preserve
newlines inside JSON strings as literal \n characters.
` + jsonOnly + `
Schema: {"final_content": "markdown", "summary_of_changes": "...", "word_count": 0}`
