// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

// commonWords is the segmentation vocabulary for concatenated mod
// ids, ordered most-frequent-first. The greedy splitter consumes the
// earliest listed word that prefixes the remaining id, so frequent
// short tokens ("lib", "api") win over rarer long ones.
var commonWords = []string{
	"craft",
	"mod",
	"lib",
	"core",
	"api",
	"mine",
	"create",
	"util",
	"utils",
	"extra",
	"extras",
	"more",
	"better",
	"easy",
	"simple",
	"fast",
	"just",
	"enough",
	"items",
	"item",
	"blocks",
	"block",
	"world",
	"gen",
	"biome",
	"biomes",
	"dungeon",
	"dungeons",
	"structure",
	"structures",
	"loot",
	"config",
	"configured",
	"menu",
	"gui",
	"hud",
	"map",
	"mini",
	"chat",
	"voice",
	"sound",
	"sounds",
	"music",
	"ambient",
	"storage",
	"sophisticated",
	"backpack",
	"backpacks",
	"chest",
	"chests",
	"barrel",
	"barrels",
	"tech",
	"magic",
	"arcane",
	"mystic",
	"farm",
	"farming",
	"farmer",
	"food",
	"cooking",
	"delight",
	"gear",
	"tool",
	"tools",
	"armor",
	"weapon",
	"weapons",
	"combat",
	"mob",
	"mobs",
	"entity",
	"boss",
	"dragon",
	"ender",
	"end",
	"nether",
	"deeper",
	"deep",
	"dark",
	"darker",
	"light",
	"lights",
	"sky",
	"skies",
	"sea",
	"ocean",
	"cave",
	"caves",
	"stone",
	"red",
	"redstone",
	"iron",
	"gold",
	"copper",
	"steel",
	"diamond",
	"emerald",
	"gem",
	"gems",
	"crystal",
	"energy",
	"power",
	"flux",
	"fluid",
	"fluids",
	"gas",
	"pipe",
	"pipes",
	"cable",
	"cables",
	"wire",
	"machine",
	"machines",
	"machinery",
	"engine",
	"factory",
	"industrial",
	"industry",
	"applied",
	"mekanism",
	"thermal",
	"immersive",
	"integrated",
	"refined",
	"advanced",
	"quantum",
	"nuclear",
	"solar",
	"compat",
	"patch",
	"fix",
	"fixes",
	"tweak",
	"tweaks",
	"plus",
	"pro",
	"max",
	"super",
	"mega",
	"ultra",
	"season",
	"seasons",
	"serene",
	"quark",
	"pack",
	"packs",
	"player",
	"players",
	"server",
	"client",
	"common",
	"shared",
	"base",
	"framework",
	"loader",
	"language",
	"kotlin",
	"forge",
	"fabric",
	"neo",
	"geckolib",
	"gecko",
	"curios",
	"trinkets",
	"jade",
	"rei",
	"jei",
	"emi",
	"waila",
	"xaeros",
	"journeymap",
	"architectury",
	"cloth",
	"owo",
	"yacl",
	"moonlight",
	"puzzles",
	"puzzle",
	"supplementaries",
	"farmers",
	"blood",
	"botania",
	"ars",
	"nouveau",
	"occultism",
	"twilight",
	"alex",
	"alexs",
	"cobblemon",
	"origins",
	"artifacts",
	"apotheosis",
	"gateways",
	"placebo",
	"bookshelf",
	"balm",
	"collective",
	"creativecore",
	"creative",
	"decoration",
	"decorations",
	"decor",
	"deco",
	"furniture",
	"handcrafted",
	"chipped",
	"chisel",
	"chisels",
	"bits",
	"bit",
	"frame",
	"frames",
	"framed",
	"elevator",
	"waystones",
	"waystone",
	"teleport",
	"travel",
	"anywhere",
	"everywhere",
	"everything",
	"nothing",
	"no",
	"anti",
	"auto",
	"smart",
	"quick",
	"instant",
	"infinite",
	"unlimited",
}
