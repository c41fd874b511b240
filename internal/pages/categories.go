package pages

import "sort"

// 内置类别列表，选择已知类别时从中随机抽取一页
var categories = map[string][]string{
	"Animals": {
		"https://en.wikipedia.org/wiki/Lion",
		"https://en.wikipedia.org/wiki/Tiger",
		"https://en.wikipedia.org/wiki/Elephant",
		"https://en.wikipedia.org/wiki/Giraffe",
		"https://en.wikipedia.org/wiki/Penguin",
		"https://en.wikipedia.org/wiki/Dolphin",
		"https://en.wikipedia.org/wiki/Eagle",
		"https://en.wikipedia.org/wiki/Shark",
	},
	"Buildings": {
		"https://en.wikipedia.org/wiki/Eiffel_Tower",
		"https://en.wikipedia.org/wiki/Empire_State_Building",
		"https://en.wikipedia.org/wiki/Burj_Khalifa",
		"https://en.wikipedia.org/wiki/Taj_Mahal",
		"https://en.wikipedia.org/wiki/Colosseum",
		"https://en.wikipedia.org/wiki/Pyramids_of_Giza",
		"https://en.wikipedia.org/wiki/Big_Ben",
		"https://en.wikipedia.org/wiki/Notre-Dame_de_Paris",
	},
	"Celebrities": {
		"https://en.wikipedia.org/wiki/Leonardo_DiCaprio",
		"https://en.wikipedia.org/wiki/Oprah_Winfrey",
		"https://en.wikipedia.org/wiki/Taylor_Swift",
		"https://en.wikipedia.org/wiki/Elon_Musk",
		"https://en.wikipedia.org/wiki/Beyonc%C3%A9",
		"https://en.wikipedia.org/wiki/Bill_Gates",
		"https://en.wikipedia.org/wiki/Emma_Watson",
		"https://en.wikipedia.org/wiki/Tom_Hanks",
	},
	"Countries": {
		"https://en.wikipedia.org/wiki/United_States",
		"https://en.wikipedia.org/wiki/France",
		"https://en.wikipedia.org/wiki/Japan",
		"https://en.wikipedia.org/wiki/Brazil",
		"https://en.wikipedia.org/wiki/Australia",
		"https://en.wikipedia.org/wiki/Canada",
		"https://en.wikipedia.org/wiki/Germany",
		"https://en.wikipedia.org/wiki/Italy",
	},
	"Gaming": {
		"https://en.wikipedia.org/wiki/Minecraft",
		"https://en.wikipedia.org/wiki/Fortnite",
		"https://en.wikipedia.org/wiki/Pok%C3%A9mon",
		"https://en.wikipedia.org/wiki/Super_Mario",
		"https://en.wikipedia.org/wiki/World_of_Warcraft",
		"https://en.wikipedia.org/wiki/League_of_Legends",
		"https://en.wikipedia.org/wiki/Call_of_Duty",
		"https://en.wikipedia.org/wiki/Grand_Theft_Auto",
	},
	"Literature": {
		"https://en.wikipedia.org/wiki/Harry_Potter",
		"https://en.wikipedia.org/wiki/Lord_of_the_Rings",
		"https://en.wikipedia.org/wiki/Shakespeare",
		"https://en.wikipedia.org/wiki/Mark_Twain",
		"https://en.wikipedia.org/wiki/Charles_Dickens",
		"https://en.wikipedia.org/wiki/Jane_Austen",
		"https://en.wikipedia.org/wiki/Hemingway",
		"https://en.wikipedia.org/wiki/Tolkien",
	},
	"Music": {
		"https://en.wikipedia.org/wiki/Beatles",
		"https://en.wikipedia.org/wiki/Michael_Jackson",
		"https://en.wikipedia.org/wiki/Elvis_Presley",
		"https://en.wikipedia.org/wiki/Madonna",
		"https://en.wikipedia.org/wiki/Queen_(band)",
		"https://en.wikipedia.org/wiki/Led_Zeppelin",
		"https://en.wikipedia.org/wiki/Bob_Dylan",
		"https://en.wikipedia.org/wiki/Prince_(musician)",
	},
	"STEM": {
		"https://en.wikipedia.org/wiki/Albert_Einstein",
		"https://en.wikipedia.org/wiki/Isaac_Newton",
		"https://en.wikipedia.org/wiki/Marie_Curie",
		"https://en.wikipedia.org/wiki/Charles_Darwin",
		"https://en.wikipedia.org/wiki/Nikola_Tesla",
		"https://en.wikipedia.org/wiki/Stephen_Hawking",
		"https://en.wikipedia.org/wiki/Leonardo_da_Vinci",
		"https://en.wikipedia.org/wiki/Galileo_Galilei",
	},
	"HistoricalEvents": {
		"https://en.wikipedia.org/wiki/World_War_II",
		"https://en.wikipedia.org/wiki/American_Revolution",
		"https://en.wikipedia.org/wiki/Renaissance",
		"https://en.wikipedia.org/wiki/Industrial_Revolution",
		"https://en.wikipedia.org/wiki/French_Revolution",
		"https://en.wikipedia.org/wiki/Civil_War",
		"https://en.wikipedia.org/wiki/Space_Race",
		"https://en.wikipedia.org/wiki/Cold_War",
	},
	"MostLinked": {
		"https://en.wikipedia.org/wiki/United_States",
		"https://en.wikipedia.org/wiki/World_War_II",
		"https://en.wikipedia.org/wiki/United_Kingdom",
		"https://en.wikipedia.org/wiki/France",
		"https://en.wikipedia.org/wiki/Germany",
		"https://en.wikipedia.org/wiki/Japan",
		"https://en.wikipedia.org/wiki/Russia",
		"https://en.wikipedia.org/wiki/China",
	},
	"USPresidents": {
		"https://en.wikipedia.org/wiki/George_Washington",
		"https://en.wikipedia.org/wiki/Abraham_Lincoln",
		"https://en.wikipedia.org/wiki/Franklin_D._Roosevelt",
		"https://en.wikipedia.org/wiki/Thomas_Jefferson",
		"https://en.wikipedia.org/wiki/Theodore_Roosevelt",
		"https://en.wikipedia.org/wiki/John_F._Kennedy",
		"https://en.wikipedia.org/wiki/Ronald_Reagan",
		"https://en.wikipedia.org/wiki/Barack_Obama",
	},
}

// Categories 返回所有内置类别名
func Categories() []string {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
